// Package mutation applies local changes to the cache before the server
// confirms them, and rolls them back when it does not.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"livesync/internal/cache"
	"livesync/internal/platform/logger"
	"livesync/internal/platform/metrics"
)

var (
	// ErrPanicked wraps a panic recovered from a server call.
	ErrPanicked = errors.New("server call panicked")

	// ErrNoKeys is returned for a mutation that names no cache keys.
	ErrNoKeys = errors.New("mutation has no cache keys")
)

// Mutation describes one optimistic change.
//
// Apply receives the current value of each key (nil if absent) and returns
// the optimistic replacement; it must not modify old. Call performs the
// server round trip; a non-nil error means the change did not take effect.
type Mutation struct {
	Name  string
	Keys  []cache.Key
	Apply func(key cache.Key, old any) any
	Call  func(ctx context.Context) error
}

// Executor runs mutations against a Cache.
type Executor struct {
	cache   *cache.Cache
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[cache.Key]int
}

// NewExecutor returns an Executor bound to c.
func NewExecutor(c *cache.Cache, log *slog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		cache:   c,
		log:     logger.Component(log, "mutation"),
		metrics: m,
		pending: make(map[cache.Key]int),
	}
}

// Execute applies m optimistically and waits for the server.
//
// In-flight fetches for m.Keys are cancelled, the current values are
// snapshotted and Apply's values are written, all in one cache step, then
// Call runs. Readers never see some keys changed and others not.
// On success the keys are invalidated; on failure the snapshot is restored.
// Either way the keys are invalidated once more when the call settles.
//
// The snapshot is taken from whatever the cache holds right now, including
// the optimistic value of an earlier mutation still in flight, so rolling
// back a later mutation never undoes an earlier one.
func (e *Executor) Execute(ctx context.Context, m Mutation) (err error) {
	if len(m.Keys) == 0 {
		return ErrNoKeys
	}
	id := uuid.NewString()
	log := e.log.With(slog.String("mutation", m.Name), slog.String("mutation_id", id))

	snaps := e.cache.Swap(m.Keys, m.Apply)

	e.acquire(m.Keys)
	defer func() {
		e.release(m.Keys)
		// Settled: converge on server truth whatever happened above.
		for _, k := range m.Keys {
			e.cache.Invalidate(k)
		}
	}()

	log.Debug("optimistic change applied")

	if err = safeCall(ctx, m.Call); err != nil {
		e.cache.RestoreAll(snaps)
		e.metrics.IncMutation(m.Name, metrics.OutcomeRolledBack)
		log.Info("mutation rejected, rolled back", slog.String("error", err.Error()))
		return err
	}

	for _, k := range m.Keys {
		e.cache.Invalidate(k)
	}
	e.metrics.IncMutation(m.Name, metrics.OutcomeCommitted)
	log.Debug("mutation committed")
	return nil
}

// Pending reports how many mutations currently own key.
func (e *Executor) Pending(key cache.Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[key]
}

func (e *Executor) acquire(keys []cache.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		e.pending[k]++
	}
	e.metrics.AddPendingMutations(1)
}

func (e *Executor) release(keys []cache.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		if e.pending[k]--; e.pending[k] <= 0 {
			delete(e.pending, k)
		}
	}
	e.metrics.AddPendingMutations(-1)
}

func safeCall(ctx context.Context, call func(context.Context) error) (err error) {
	if call == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, p)
		}
	}()
	return call(ctx)
}
