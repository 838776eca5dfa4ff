package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func counterFetcher(n *atomic.Int32) Fetcher {
	return func(ctx context.Context) (any, error) {
		return int(n.Add(1)), nil
	}
}

func TestKey_Under(t *testing.T) {
	cases := []struct {
		key, prefix Key
		want        bool
	}{
		{"obs/scenes/all", "obs/scenes", true},
		{"obs/scenes/all", "obs", true},
		{"obs/scenes", "obs/scenes", true},
		{"obs/scenesx", "obs/scenes", false},
		{"queue", "obs", false},
		{"queue", "", true},
	}
	for _, tc := range cases {
		if got := tc.key.Under(tc.prefix); got != tc.want {
			t.Errorf("%q.Under(%q) = %v, want %v", tc.key, tc.prefix, got, tc.want)
		}
	}
}

func TestCache_Fetch_loads_and_reuses_fresh_value(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	var calls atomic.Int32
	c.Register("queue", counterFetcher(&calls), Policy{StaleTime: time.Minute})

	v, err := c.Fetch(context.Background(), "queue")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if v != 1 {
		t.Errorf("expected 1, got %v", v)
	}

	v, _ = c.Fetch(context.Background(), "queue")
	if v != 1 || calls.Load() != 1 {
		t.Errorf("fresh value should be reused: v=%v calls=%d", v, calls.Load())
	}
}

func TestCache_Fetch_not_registered(t *testing.T) {
	c := New(nil, nil)
	_, err := c.Fetch(context.Background(), "nope")
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestCache_Fetch_error_keeps_previous_value(t *testing.T) {
	c := New(nil, nil)
	fail := errors.New("server down")
	c.Register("obs/status", func(ctx context.Context) (any, error) { return nil, fail }, Policy{})
	c.Set("obs/status", "last-known")

	_, err := c.Fetch(context.Background(), "obs/status")
	if !errors.Is(err, fail) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	e, ok := c.Peek("obs/status")
	if !ok || e.Value != "last-known" {
		t.Errorf("failed fetch must not clobber value: %+v ok=%v", e, ok)
	}
}

func TestCache_Get_stale_while_revalidate(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	release := make(chan struct{})
	var calls atomic.Int32
	c.Register("queue", func(ctx context.Context) (any, error) {
		<-release
		return int(calls.Add(1)) + 100, nil
	}, Policy{StaleTime: time.Millisecond})
	c.Set("queue", "old")
	time.Sleep(5 * time.Millisecond)

	v, ok := c.Get("queue")
	if !ok || v != "old" {
		t.Fatalf("stale read should return cached value immediately, got %v ok=%v", v, ok)
	}
	if !c.IsFetching("queue") {
		t.Fatal("stale read should trigger background refetch")
	}

	close(release)
	waitFor(t, func() bool {
		e, _ := c.Peek("queue")
		return e.Value == 101
	})
}

func TestCache_Get_fresh_does_not_refetch(t *testing.T) {
	c := New(nil, nil)
	var calls atomic.Int32
	c.Register("queue", counterFetcher(&calls), Policy{StaleTime: time.Hour})
	c.Set("queue", "fresh")

	if v, _ := c.Get("queue"); v != "fresh" {
		t.Errorf("unexpected value %v", v)
	}
	if c.IsFetching("queue") {
		t.Error("fresh read should not refetch")
	}
}

func TestCache_Invalidate_prefix(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	var all, visible, queue atomic.Int32
	c.Register("obs/scenes/all", counterFetcher(&all), Policy{StaleTime: time.Hour})
	c.Register("obs/scenes/visible", counterFetcher(&visible), Policy{StaleTime: time.Hour})
	c.Register("queue", counterFetcher(&queue), Policy{StaleTime: time.Hour})
	c.Set("obs/scenes/all", 0)
	c.Set("obs/scenes/visible", 0)
	c.Set("queue", 0)

	c.Invalidate("obs/scenes")

	waitFor(t, func() bool { return all.Load() == 1 && visible.Load() == 1 })
	waitFor(t, func() bool {
		a, _ := c.Peek("obs/scenes/all")
		v, _ := c.Peek("obs/scenes/visible")
		return a.Value == 1 && v.Value == 1 && !a.Invalidated && !v.Invalidated
	})
	if queue.Load() != 0 {
		t.Error("queue should not be refetched by obs/scenes invalidation")
	}
	if e, _ := c.Peek("queue"); e.Invalidated {
		t.Error("queue should not be marked invalidated")
	}
}

func TestCache_CancelFetch_discards_late_result(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	started := make(chan struct{})
	release := make(chan struct{})
	c.Register("queue", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "stale-from-server", nil
	}, Policy{})

	c.Get("queue")
	<-started
	c.CancelFetch("queue")
	c.Set("queue", "optimistic")
	close(release)

	time.Sleep(30 * time.Millisecond)
	if e, _ := c.Peek("queue"); e.Value != "optimistic" {
		t.Errorf("cancelled fetch overwrote optimistic value: %v", e.Value)
	}
	if c.IsFetching("queue") {
		t.Error("no fetch should be in flight after cancel")
	}
}

func TestCache_UpdatePrefix_rewrites_all_projections(t *testing.T) {
	c := New(nil, nil)
	c.Set("obs/scenes/all", []string{"a", "b"})
	c.Set("obs/scenes/visible", []string{"a"})
	c.Set("queue", []string{"q"})

	touched := c.UpdatePrefix("obs/scenes", func(k Key, old any) any {
		return append([]string{"x"}, old.([]string)...)
	})
	if len(touched) != 2 {
		t.Fatalf("expected 2 keys touched, got %v", touched)
	}
	all, _ := Value[[]string](c, "obs/scenes/all")
	vis, _ := Value[[]string](c, "obs/scenes/visible")
	q, _ := Value[[]string](c, "queue")
	if len(all) != 3 || len(vis) != 2 || len(q) != 1 {
		t.Errorf("unexpected values all=%v vis=%v queue=%v", all, vis, q)
	}
}

func TestCache_RestoreAll_single_key(t *testing.T) {
	c := New(nil, nil)
	c.Set("queue", "before")
	snap, existed := c.Peek("queue")
	c.Set("queue", "after")
	c.RestoreAll([]Snapshot{{Key: "queue", Entry: snap, Existed: existed}})
	if v, _ := Value[string](c, "queue"); v != "before" {
		t.Errorf("expected restored value, got %q", v)
	}

	_, existed = c.Peek("obs/status")
	c.Set("obs/status", "optimistic")
	c.RestoreAll([]Snapshot{{Key: "obs/status", Existed: existed}})
	if _, ok := c.Peek("obs/status"); ok {
		t.Error("restoring a missing snapshot should delete the key")
	}
}

// recordingStore keeps every batch handed to Apply.
type recordingStore struct {
	*InMemoryStore
	mu      sync.Mutex
	batches [][]Write
}

func (s *recordingStore) Apply(writes []Write) {
	s.mu.Lock()
	s.batches = append(s.batches, append([]Write(nil), writes...))
	s.mu.Unlock()
	s.InMemoryStore.Apply(writes)
}

func (s *recordingStore) recorded() [][]Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Write(nil), s.batches...)
}

func TestCache_Swap_cancels_and_writes_one_batch(t *testing.T) {
	rs := &recordingStore{InMemoryStore: NewInMemoryStore()}
	c := NewWithStore(rs, nil, nil)
	defer c.Close()

	release := make(chan struct{})
	c.Register("obs/scenes/all", func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "fetched", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Policy{StaleTime: time.Hour})
	c.Set("obs/scenes/visible", "v0")

	if _, ok := c.Get("obs/scenes/all"); ok {
		t.Fatal("all should start empty")
	}
	if !c.IsFetching("obs/scenes/all") {
		t.Fatal("Get on a missing key should start a fetch")
	}

	snaps := c.Swap([]Key{"obs/scenes/all", "obs/scenes/visible"}, func(k Key, old any) any {
		return "optimistic"
	})
	close(release)

	if c.IsFetching("obs/scenes/all") {
		t.Error("Swap should cancel the in-flight fetch")
	}
	if len(snaps) != 2 || snaps[0].Existed || !snaps[1].Existed || snaps[1].Entry.Value != "v0" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
	batches := rs.recorded()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of two writes, got %+v", batches)
	}
	for _, k := range []Key{"obs/scenes/all", "obs/scenes/visible"} {
		if e, _ := c.Peek(k); e.Value != "optimistic" {
			t.Errorf("%s = %v, want optimistic", k, e.Value)
		}
	}

	c.RestoreAll(snaps)
	batches = rs.recorded()
	if len(batches) != 2 || len(batches[1]) != 2 {
		t.Fatalf("expected restore as one batch, got %+v", batches)
	}
	if _, ok := c.Peek("obs/scenes/all"); ok {
		t.Error("key without a prior entry should be removed on restore")
	}
	if e, _ := c.Peek("obs/scenes/visible"); e.Value != "v0" {
		t.Errorf("visible = %v, want v0", e.Value)
	}
}

func TestCache_Swap_nil_fn_only_snapshots(t *testing.T) {
	rs := &recordingStore{InMemoryStore: NewInMemoryStore()}
	c := NewWithStore(rs, nil, nil)
	c.Set("queue", "q")

	snaps := c.Swap([]Key{"queue"}, nil)
	if len(snaps) != 1 || snaps[0].Entry.Value != "q" {
		t.Errorf("unexpected snapshots %+v", snaps)
	}
	if n := len(rs.recorded()); n != 0 {
		t.Errorf("nil fn must not write, got %d batches", n)
	}
}

func TestCache_UpdatePrefix_is_one_batch(t *testing.T) {
	rs := &recordingStore{InMemoryStore: NewInMemoryStore()}
	c := NewWithStore(rs, nil, nil)
	c.Set("obs/scenes/all", 1)
	c.Set("obs/scenes/visible", 1)

	c.UpdatePrefix("obs/scenes", func(k Key, old any) any { return old.(int) + 1 })
	if batches := rs.recorded(); len(batches) != 1 || len(batches[0]) != 2 {
		t.Errorf("expected one batch of two writes, got %+v", batches)
	}
}

func TestCache_Update_from_nil(t *testing.T) {
	c := New(nil, nil)
	c.Update("counter", func(old any) any {
		if old == nil {
			return 1
		}
		return old.(int) + 1
	})
	c.Update("counter", func(old any) any { return old.(int) + 1 })
	if v, _ := Value[int](c, "counter"); v != 2 {
		t.Errorf("expected 2, got %d", v)
	}
}

func TestCache_Start_polls(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()
	var calls atomic.Int32
	c.Register("obs/status", counterFetcher(&calls), Policy{StaleTime: time.Hour, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	waitFor(t, func() bool { return calls.Load() >= 3 })
	cancel()
}

func TestCache_fetch_panic_is_error(t *testing.T) {
	c := New(nil, nil)
	c.Register("queue", func(ctx context.Context) (any, error) { panic("bad fetcher") }, Policy{})
	if _, err := c.Fetch(context.Background(), "queue"); err == nil {
		t.Error("expected error from panicking fetcher")
	}
}

func TestFetchValue_type_mismatch(t *testing.T) {
	c := New(nil, nil)
	c.Register("queue", func(ctx context.Context) (any, error) { return "text", nil }, Policy{})
	if _, err := FetchValue[int](context.Background(), c, "queue"); err == nil {
		t.Error("expected type mismatch error")
	}
	s, err := FetchValue[string](context.Background(), c, "queue")
	if err != nil || s != "text" {
		t.Errorf("FetchValue: %q %v", s, err)
	}
}

func TestInMemoryStore_Keys_sorted(t *testing.T) {
	s := NewInMemoryStore()
	s.Set("b", Entry{})
	s.Set("a", Entry{})
	s.Set("c", Entry{})
	s.Apply([]Write{{Key: "c", Delete: true}, {Key: "d"}})
	s.Delete("d")
	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys %v", keys)
	}
}
