package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"livesync/internal/cache"
	"livesync/internal/mutation"
	"livesync/internal/platform/logger"
)

var (
	ErrItemNotFound  = errors.New("queue item not found")
	ErrChildNotFound = errors.New("child does not belong to queue item")
	ErrInvalidOrder  = errors.New("ordering must name every queue item exactly once")
	ErrInvalidItem   = errors.New("invalid queue item")
)

// Selection is the active queue item and, optionally, its active child.
// ChildID is only meaningful together with ItemID.
type Selection struct {
	ItemID  int64  `json:"activeQueueItemId,omitempty"`
	ChildID string `json:"activeChildId,omitempty"`
}

// SyncState reports whether the queue is waiting on the server.
type SyncState struct {
	PendingMutations int  `json:"pendingMutations"`
	Fetching         bool `json:"fetching"`
}

// Queue is the presentation queue: cached rows plus the active selection.
type Queue struct {
	cache  *cache.Cache
	exec   *mutation.Executor
	server QueueServer
	log    *slog.Logger

	mu  sync.Mutex
	sel Selection
}

// NewQueue returns a Queue backed by c and server.
func NewQueue(c *cache.Cache, exec *mutation.Executor, server QueueServer, log *slog.Logger) *Queue {
	return &Queue{
		cache:  c,
		exec:   exec,
		server: server,
		log:    logger.Component(log, "queue"),
	}
}

// SyncState reports in-flight mutations and fetches for the queue key.
func (q *Queue) SyncState() SyncState {
	return SyncState{
		PendingMutations: q.exec.Pending(KeyQueue),
		Fetching:         q.cache.IsFetching(KeyQueue),
	}
}

// Register installs the queue fetcher on the cache.
func (q *Queue) Register(policy cache.Policy) {
	q.cache.Register(KeyQueue, func(ctx context.Context) (any, error) {
		items, err := q.server.ListQueue(ctx)
		if err != nil {
			return nil, err
		}
		return sortItems(items), nil
	}, policy)
}

// Items returns the cached queue in display order. It never blocks.
func (q *Queue) Items() []QueueItem {
	items, _ := cache.Value[[]QueueItem](q.cache, KeyQueue)
	return items
}

// Load waits for a fresh queue.
func (q *Queue) Load(ctx context.Context) ([]QueueItem, error) {
	return cache.FetchValue[[]QueueItem](ctx, q.cache, KeyQueue)
}

// snapshot reads the cached queue without triggering a refetch. loaded is
// false before the first successful fetch.
func (q *Queue) snapshot() (items []QueueItem, loaded bool) {
	e, ok := q.cache.Peek(KeyQueue)
	if !ok {
		return nil, false
	}
	items, loaded = e.Value.([]QueueItem)
	return items, loaded
}

// Add appends item. See InsertAfter.
func (q *Queue) Add(ctx context.Context, item NewQueueItem) (QueueItem, error) {
	return q.InsertAfter(ctx, 0, item)
}

// InsertAfter places item after the sibling afterID, or at the end when
// afterID is 0. The server assigns the position, so nothing is applied
// locally; the new row arrives with the refetch.
func (q *Queue) InsertAfter(ctx context.Context, afterID int64, item NewQueueItem) (QueueItem, error) {
	if err := validateNew(item); err != nil {
		return QueueItem{}, err
	}
	if afterID != 0 {
		if items, loaded := q.snapshot(); loaded {
			if _, ok := findItem(items, afterID); !ok {
				return QueueItem{}, fmt.Errorf("%w: %d", ErrItemNotFound, afterID)
			}
		}
	}
	created, err := q.server.AddQueueItem(ctx, item, afterID)
	if err != nil {
		return QueueItem{}, err
	}
	q.cache.Invalidate(KeyQueue)
	q.log.Info("queue item added",
		slog.Int64("id", created.ID),
		slog.String("item_type", string(item.ItemType)),
		slog.Int64("after_id", afterID))
	return created, nil
}

func validateNew(item NewQueueItem) error {
	if !item.ItemType.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, item.ItemType)
	}
	if item.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidItem)
	}
	if item.Payload.Kind() != item.ItemType {
		return fmt.Errorf("%w: %s payload for %s item", ErrInvalidItem, item.Payload.Kind(), item.ItemType)
	}
	return nil
}

// Update changes content, visibility or expansion through the server and
// then refetches. It is not optimistic.
func (q *Queue) Update(ctx context.Context, id int64, patch ItemPatch) (QueueItem, error) {
	if patch.Payload != nil {
		if items, loaded := q.snapshot(); loaded {
			it, ok := findItem(items, id)
			if !ok {
				return QueueItem{}, fmt.Errorf("%w: %d", ErrItemNotFound, id)
			}
			if patch.Payload.Kind() != it.ItemType {
				return QueueItem{}, fmt.Errorf("%w: %s payload for %s item", ErrInvalidItem, patch.Payload.Kind(), it.ItemType)
			}
		}
	}
	updated, err := q.server.UpdateQueueItem(ctx, id, patch)
	if err != nil {
		return QueueItem{}, err
	}
	q.cache.Invalidate(KeyQueue)
	return updated, nil
}

// Remove deletes id, filtering it out of the cache first.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if err := q.mustExist(id); err != nil {
		return err
	}
	err := q.exec.Execute(ctx, mutation.Mutation{
		Name: "queue.remove",
		Keys: []cache.Key{KeyQueue},
		Apply: mapQueue(func(items []QueueItem) []QueueItem {
			return slices.DeleteFunc(slices.Clone(items), func(it QueueItem) bool { return it.ID == id })
		}),
		Call: func(ctx context.Context) error { return q.server.RemoveQueueItem(ctx, id) },
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.sel.ItemID == id {
		q.sel = Selection{}
	}
	q.mu.Unlock()
	return nil
}

// Reorder rewrites the queue to the order of ids, which must name every
// cached item exactly once. Reordering to the current order does nothing.
func (q *Queue) Reorder(ctx context.Context, ids []int64) error {
	items, _ := q.snapshot()
	if slices.Equal(itemIDs(items), ids) {
		return nil
	}
	if !isPermutation(items, ids) {
		return ErrInvalidOrder
	}
	ordered := slices.Clone(ids)
	return q.exec.Execute(ctx, mutation.Mutation{
		Name: "queue.reorder",
		Keys: []cache.Key{KeyQueue},
		Apply: mapQueue(func(items []QueueItem) []QueueItem {
			return applyOrder(items, ordered)
		}),
		Call: func(ctx context.Context) error { return q.server.ReorderQueue(ctx, ordered) },
	})
}

// Move places id at index in the current order.
func (q *Queue) Move(ctx context.Context, id int64, index int) error {
	if err := q.mustExist(id); err != nil {
		return err
	}
	items, _ := q.snapshot()
	return q.Reorder(ctx, moveID(itemIDs(items), id, index))
}

// SetExpanded toggles the expanded flag of id.
func (q *Queue) SetExpanded(ctx context.Context, id int64, expanded bool) error {
	if err := q.mustExist(id); err != nil {
		return err
	}
	return q.exec.Execute(ctx, mutation.Mutation{
		Name: "queue.set_expanded",
		Keys: []cache.Key{KeyQueue},
		Apply: mapQueue(func(items []QueueItem) []QueueItem {
			out := slices.Clone(items)
			for i := range out {
				if out[i].ID == id {
					out[i].IsExpanded = expanded
				}
			}
			return out
		}),
		Call: func(ctx context.Context) error { return q.server.SetExpanded(ctx, id, expanded) },
	})
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	err := q.exec.Execute(ctx, mutation.Mutation{
		Name:  "queue.clear",
		Keys:  []cache.Key{KeyQueue},
		Apply: func(cache.Key, any) any { return []QueueItem{} },
		Call:  q.server.ClearQueue,
	})
	if err != nil {
		return err
	}
	q.ClearSelection()
	return nil
}

// SelectItem makes id active along with its first child, if it has any.
func (q *Queue) SelectItem(id int64) (Selection, error) {
	items, _ := q.snapshot()
	it, ok := findItem(items, id)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	child, _ := it.FirstChild()
	sel := Selection{ItemID: id, ChildID: child}
	q.mu.Lock()
	q.sel = sel
	q.mu.Unlock()
	return sel, nil
}

// SelectChild makes childID of item id active. A collapsed parent is
// expanded through the optimistic path; the selection stands even if the
// server refuses the expansion.
func (q *Queue) SelectChild(ctx context.Context, id int64, childID string) (Selection, error) {
	items, _ := q.snapshot()
	it, ok := findItem(items, id)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	if !it.HasChild(childID) {
		return Selection{}, fmt.Errorf("%w: %q in %d", ErrChildNotFound, childID, id)
	}
	sel := Selection{ItemID: id, ChildID: childID}
	q.mu.Lock()
	q.sel = sel
	q.mu.Unlock()

	if !it.IsExpanded {
		if err := q.SetExpanded(ctx, id, true); err != nil {
			q.log.Info("auto-expand failed", slog.Int64("id", id), slog.String("error", err.Error()))
			return sel, err
		}
	}
	return sel, nil
}

// Active returns the current selection checked against the cached queue:
// a vanished item yields an empty selection and a child that no longer
// belongs to the item is dropped.
func (q *Queue) Active() Selection {
	q.mu.Lock()
	sel := q.sel
	q.mu.Unlock()
	if sel.ItemID == 0 {
		return Selection{}
	}
	items, loaded := q.snapshot()
	if !loaded {
		return sel
	}
	it, ok := findItem(items, sel.ItemID)
	if !ok {
		return Selection{}
	}
	if sel.ChildID != "" && !it.HasChild(sel.ChildID) {
		sel.ChildID = ""
	}
	return sel
}

// ClearSelection drops the active item and child.
func (q *Queue) ClearSelection() {
	q.mu.Lock()
	q.sel = Selection{}
	q.mu.Unlock()
}

func (q *Queue) mustExist(id int64) error {
	items, loaded := q.snapshot()
	if !loaded {
		return nil
	}
	if _, ok := findItem(items, id); !ok {
		return fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	return nil
}

// mapQueue adapts a list transform to mutation.Mutation.Apply. A key that
// holds no list yet is left alone.
func mapQueue(fn func([]QueueItem) []QueueItem) func(cache.Key, any) any {
	return func(_ cache.Key, old any) any {
		items, ok := old.([]QueueItem)
		if !ok {
			return old
		}
		return fn(items)
	}
}
