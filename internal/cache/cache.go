package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livesync/internal/platform/logger"
	"livesync/internal/platform/metrics"
)

// ErrNotRegistered is returned by Fetch for a key with no Fetcher.
var ErrNotRegistered = errors.New("cache key not registered")

// Fetcher loads the authoritative value for one key.
type Fetcher func(ctx context.Context) (any, error)

// Policy controls freshness for one key. A zero StaleTime means every read
// past the first triggers a background refetch. A zero PollInterval disables
// polling.
type Policy struct {
	StaleTime    time.Duration
	PollInterval time.Duration
}

type query struct {
	fetch  Fetcher
	policy Policy
	run    *fetchRun
}

// fetchRun is one in-flight fetch. done is closed exactly once, either when
// the fetch stores its result or when it is cancelled.
type fetchRun struct {
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
	value     any
	err       error
	cancelled bool
}

func (r *fetchRun) finish() {
	r.once.Do(func() { close(r.done) })
}

// Cache is a keyed store of server-derived snapshots with per-key staleness,
// prefix invalidation, background refetch and optional polling. It is safe
// for concurrent use; every write replaces a whole value under one lock.
type Cache struct {
	mu      sync.Mutex
	store   Store
	queries map[Key]*query

	base   context.Context
	cancel context.CancelFunc

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New constructs a cache backed by an InMemoryStore.
func New(log *slog.Logger, m *metrics.Metrics) *Cache {
	return NewWithStore(NewInMemoryStore(), log, m)
}

// NewWithStore constructs a cache that uses the given Store.
func NewWithStore(store Store, log *slog.Logger, m *metrics.Metrics) *Cache {
	base, cancel := context.WithCancel(context.Background())
	return &Cache{
		store:   store,
		queries: make(map[Key]*query),
		base:    base,
		cancel:  cancel,
		log:     logger.Component(log, "cache"),
		metrics: m,
		now:     time.Now,
	}
}

// Register binds a Fetcher and Policy to key. Registering twice replaces the
// previous binding.
func (c *Cache) Register(key Key, fetch Fetcher, policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queries[key]; ok {
		c.cancelRunLocked(q)
	}
	c.queries[key] = &query{fetch: fetch, policy: policy}
}

// Get returns the cached value for key without blocking. When the entry is
// missing, invalidated or past its staleness window and key is registered, a
// background refetch is started; the caller still gets the current snapshot.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store.Get(key)
	if q := c.queries[key]; q != nil && q.run == nil && !c.freshLocked(q, e, ok) {
		c.startFetchLocked(key, q)
	}
	return e.Value, ok
}

// Peek returns the entry for key without any refetch side effect.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(key)
}

// Fetch returns a fresh value for key, loading it and waiting if needed.
// Concurrent callers share one in-flight fetch.
func (c *Cache) Fetch(ctx context.Context, key Key) (any, error) {
	for {
		c.mu.Lock()
		q := c.queries[key]
		if q == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
		}
		e, ok := c.store.Get(key)
		if c.freshLocked(q, e, ok) {
			c.mu.Unlock()
			return e.Value, nil
		}
		r := q.run
		if r == nil {
			r = c.startFetchLocked(key, q)
		}
		c.mu.Unlock()

		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.Lock()
		cancelled, value, err := r.cancelled, r.value, r.err
		c.mu.Unlock()
		if !cancelled {
			return value, err
		}
		// Superseded by an invalidation or an optimistic write; look again.
	}
}

// Set replaces the value for key and marks it fresh.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(key, Entry{Value: value, UpdatedAt: c.now()})
}

// Update replaces the value for key with fn(old). old is nil when the key has
// no entry yet.
func (c *Cache) Update(key Key, fn func(old any) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.store.Get(key)
	c.store.Set(key, Entry{Value: fn(e.Value), UpdatedAt: c.now()})
}

// UpdatePrefix rewrites every existing entry under prefix as one store
// batch, so no reader observes some projections updated and others not. It
// returns the keys that were rewritten.
func (c *Cache) UpdatePrefix(prefix Key, fn func(key Key, old any) any) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var touched []Key
	var writes []Write
	now := c.now()
	for _, k := range c.store.Keys() {
		if !k.Under(prefix) {
			continue
		}
		e, _ := c.store.Get(k)
		writes = append(writes, Write{Key: k, Entry: Entry{Value: fn(k, e.Value), UpdatedAt: now}})
		touched = append(touched, k)
	}
	if len(writes) > 0 {
		c.store.Apply(writes)
	}
	return touched
}

// Snapshot is an entry captured before an optimistic write.
type Snapshot struct {
	Key     Key
	Entry   Entry
	Existed bool
}

// Swap cancels in-flight fetches for keys, snapshots their entries and
// writes fn's replacements as one store batch, all under one lock. No fetch
// can start between the cancel and the write. A nil fn only cancels and
// snapshots. Hand the snapshots to RestoreAll to undo the write.
func (c *Cache) Swap(keys []Key, fn func(key Key, old any) any) []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snaps := make([]Snapshot, 0, len(keys))
	writes := make([]Write, 0, len(keys))
	now := c.now()
	for _, k := range keys {
		if q := c.queries[k]; q != nil {
			c.cancelRunLocked(q)
		}
		e, ok := c.store.Get(k)
		snaps = append(snaps, Snapshot{Key: k, Entry: e, Existed: ok})
		if fn != nil {
			writes = append(writes, Write{Key: k, Entry: Entry{Value: fn(k, e.Value), UpdatedAt: now}})
		}
	}
	if len(writes) > 0 {
		c.store.Apply(writes)
	}
	return snaps
}

// RestoreAll puts every snapshot back as one store batch. Keys that had no
// entry when the snapshot was taken are removed.
func (c *Cache) RestoreAll(snaps []Snapshot) {
	if len(snaps) == 0 {
		return
	}
	writes := make([]Write, 0, len(snaps))
	for _, s := range snaps {
		writes = append(writes, Write{Key: s.Key, Entry: s.Entry, Delete: !s.Existed})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Apply(writes)
}

// Invalidate marks every entry under prefix stale and refetches each
// registered key under it, cancelling fetches already in flight.
func (c *Cache) Invalidate(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var writes []Write
	for _, k := range c.store.Keys() {
		if !k.Under(prefix) {
			continue
		}
		e, _ := c.store.Get(k)
		e.Invalidated = true
		writes = append(writes, Write{Key: k, Entry: e})
	}
	if len(writes) > 0 {
		c.store.Apply(writes)
	}
	for k, q := range c.queries {
		if !k.Under(prefix) {
			continue
		}
		c.cancelRunLocked(q)
		c.startFetchLocked(k, q)
	}
}

// CancelFetch cancels any in-flight fetch for key. The fetch result, if it
// still arrives, is discarded.
func (c *Cache) CancelFetch(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.queries[key]; q != nil {
		c.cancelRunLocked(q)
	}
}

// IsFetching reports whether a fetch for key is in flight.
func (c *Cache) IsFetching(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queries[key]
	return q != nil && q.run != nil
}

// Start loads every registered key in the background and runs a poller for
// each key with a PollInterval. Pollers stop when ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, q := range c.queries {
		if q.run == nil {
			c.startFetchLocked(k, q)
		}
		if q.policy.PollInterval > 0 {
			go c.poll(ctx, k, q.policy.PollInterval)
		}
	}
}

// Close cancels all in-flight fetches. The cache stays readable.
func (c *Cache) Close() {
	c.cancel()
}

func (c *Cache) poll(ctx context.Context, key Key, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if q := c.queries[key]; q != nil && q.run == nil {
				c.startFetchLocked(key, q)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Cache) freshLocked(q *query, e Entry, ok bool) bool {
	if !ok || e.Invalidated {
		return false
	}
	return c.now().Sub(e.UpdatedAt) < q.policy.StaleTime
}

func (c *Cache) cancelRunLocked(q *query) {
	if q.run == nil {
		return
	}
	q.run.cancelled = true
	q.run.cancel()
	q.run.finish()
	q.run = nil
}

func (c *Cache) startFetchLocked(key Key, q *query) *fetchRun {
	ctx, cancel := context.WithCancel(c.base)
	r := &fetchRun{cancel: cancel, done: make(chan struct{})}
	q.run = r
	go c.runFetch(ctx, key, q, r)
	return r
}

func (c *Cache) runFetch(ctx context.Context, key Key, q *query, r *fetchRun) {
	defer r.cancel()
	value, err := safeFetch(ctx, q.fetch)
	c.metrics.IncCacheFetch(string(key), err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if q.run != r {
		// Cancelled or replaced; the newer writer owns the key.
		return
	}
	q.run = nil
	r.value, r.err = value, err
	if err != nil {
		c.log.Warn("fetch failed", slog.String("key", string(key)), slog.String("error", err.Error()))
	} else {
		c.store.Set(key, Entry{Value: value, UpdatedAt: c.now()})
		c.log.Debug("fetched", slog.String("key", string(key)))
	}
	r.finish()
}

func safeFetch(ctx context.Context, fetch Fetcher) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fetch panicked: %v", p)
		}
	}()
	return fetch(ctx)
}

// Value reads key as a T. ok is false when the key is missing or holds a
// different type.
func Value[T any](c *Cache, key Key) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// FetchValue is Fetch with a typed result.
func FetchValue[T any](ctx context.Context, c *Cache, key Key) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %s holds %T", key, v)
	}
	return t, nil
}
