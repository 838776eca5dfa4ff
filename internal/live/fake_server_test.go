package live

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"livesync/internal/cache"
	"livesync/internal/mutation"
)

// rejected mimics a server error envelope.
type rejected string

func (r rejected) Error() string  { return "server error: " + string(r) }
func (r rejected) Reason() string { return string(r) }

// fakeServer is an in-memory authoritative server.
type fakeServer struct {
	mu         sync.Mutex
	queue      []QueueItem
	scenes     []SceneRecord
	status     ConnectionStatus
	livestream LivestreamStatus
	auth       YouTubeAuthStatus
	nextID     int64
	fail       map[string]error
	calls      map[string]int
	// onCall runs at the start of every mutating call, before any state change.
	onCall func(op string)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		nextID: 100,
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (s *fakeServer) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.onCall
	err := s.fail[op]
	s.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	return err
}

func (s *fakeServer) failWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *fakeServer) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeServer) ListQueue(ctx context.Context) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue), nil
}

func (s *fakeServer) AddQueueItem(ctx context.Context, item NewQueueItem, afterID int64) (QueueItem, error) {
	if err := s.enter("add"); err != nil {
		return QueueItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	created := QueueItem{ID: s.nextID, ItemType: item.ItemType, Payload: item.Payload}
	ordered := sortItems(s.queue)
	at := len(ordered)
	if afterID != 0 {
		for i, it := range ordered {
			if it.ID == afterID {
				at = i + 1
			}
		}
	}
	ordered = slices.Insert(ordered, at, created)
	for i := range ordered {
		ordered[i].SortOrder = i
	}
	s.queue = ordered
	return ordered[at], nil
}

func (s *fakeServer) UpdateQueueItem(ctx context.Context, id int64, patch ItemPatch) (QueueItem, error) {
	if err := s.enter("update"); err != nil {
		return QueueItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID != id {
			continue
		}
		if patch.Payload != nil {
			s.queue[i].Payload = patch.Payload
		}
		if patch.IsHidden != nil {
			s.queue[i].IsHidden = *patch.IsHidden
		}
		if patch.IsExpanded != nil {
			s.queue[i].IsExpanded = *patch.IsExpanded
		}
		return s.queue[i], nil
	}
	return QueueItem{}, rejected("not found")
}

func (s *fakeServer) RemoveQueueItem(ctx context.Context, id int64) error {
	if err := s.enter("remove"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = slices.DeleteFunc(s.queue, func(it QueueItem) bool { return it.ID == id })
	return nil
}

func (s *fakeServer) ReorderQueue(ctx context.Context, ids []int64) error {
	if err := s.enter("reorder"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = applyOrder(s.queue, ids)
	return nil
}

func (s *fakeServer) ClearQueue(ctx context.Context) error {
	if err := s.enter("clear"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return nil
}

func (s *fakeServer) SetExpanded(ctx context.Context, id int64, expanded bool) error {
	if err := s.enter("expand"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue[i].IsExpanded = expanded
		}
	}
	return nil
}

func (s *fakeServer) ListScenes(ctx context.Context, visibleOnly bool) ([]SceneRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SceneRecord
	for _, sc := range s.scenes {
		if visibleOnly && !sc.IsVisible {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *fakeServer) SwitchScene(ctx context.Context, name string) error {
	if err := s.enter("switch"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scenes {
		s.scenes[i].IsCurrent = s.scenes[i].ExternalName == name
	}
	return nil
}

func (s *fakeServer) setCurrentScene(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.scenes {
		s.scenes[i].IsCurrent = s.scenes[i].ExternalName == name
	}
}

func (s *fakeServer) OBSStatus(ctx context.Context) (ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *fakeServer) ConnectOBS(ctx context.Context) error {
	if err := s.enter("obs_connect"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = true
	return nil
}

func (s *fakeServer) DisconnectOBS(ctx context.Context) error {
	if err := s.enter("obs_disconnect"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ConnectionStatus{}
	return nil
}

func (s *fakeServer) LivestreamStatus(ctx context.Context) (LivestreamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.livestream, nil
}

func (s *fakeServer) YouTubeAuthStatus(ctx context.Context) (YouTubeAuthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth, nil
}

func (s *fakeServer) StartStream(ctx context.Context, req StreamStartRequest) error {
	return s.enter("stream_start")
}

func (s *fakeServer) StopStream(ctx context.Context) error {
	if err := s.enter("stream_stop"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.livestream.Status = "complete"
	return nil
}

// harness wires the services over one cache, all keys loaded.
type harness struct {
	srv     *fakeServer
	cache   *cache.Cache
	exec    *mutation.Executor
	queue   *Queue
	scenes  *Scenes
	devices *Devices
	tracker *Tracker
}

func newHarness(t *testing.T, srv *fakeServer) *harness {
	t.Helper()
	return newHarnessWithStore(t, srv, cache.NewInMemoryStore())
}

func newHarnessWithStore(t *testing.T, srv *fakeServer, store cache.Store) *harness {
	t.Helper()
	c := cache.NewWithStore(store, nil, nil)
	t.Cleanup(c.Close)
	exec := mutation.NewExecutor(c, nil, nil)
	h := &harness{
		srv:     srv,
		cache:   c,
		exec:    exec,
		queue:   NewQueue(c, exec, srv, nil),
		scenes:  NewScenes(c, exec, srv, nil),
		devices: NewDevices(c, srv, nil),
		tracker: NewTracker(20*time.Millisecond, nil),
	}
	t.Cleanup(h.tracker.Close)
	policy := cache.Policy{StaleTime: time.Hour}
	h.queue.Register(policy)
	h.scenes.Register(policy)
	h.devices.Register(policy, policy)

	ctx := context.Background()
	for _, k := range []cache.Key{KeyQueue, KeyScenesAll, KeyScenesVisible, KeyOBSStatus, KeyLivestream, KeyYouTubeAuth} {
		if _, err := c.Fetch(ctx, k); err != nil {
			t.Fatalf("initial fetch %s: %v", k, err)
		}
	}
	return h
}

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

// song returns a song item with the given slide ids.
func song(id int64, order int, slides ...string) QueueItem {
	p := SongPayload{SongID: id * 10, Title: "Song"}
	for _, s := range slides {
		p.Slides = append(p.Slides, SongSlide{ID: s, Content: s})
	}
	return QueueItem{ID: id, ItemType: ItemSong, SortOrder: order, Payload: p}
}

func slide(id int64, order int) QueueItem {
	return QueueItem{ID: id, ItemType: ItemSlide, SortOrder: order, Payload: SlidePayload{Content: "<p>Welcome</p>"}}
}

// orders maps id to SortOrder for the cached queue.
func orders(items []QueueItem) map[int64]int {
	m := make(map[int64]int, len(items))
	for _, it := range items {
		m[it.ID] = it.SortOrder
	}
	return m
}

func peekQueue(c *cache.Cache) []QueueItem {
	e, _ := c.Peek(KeyQueue)
	items, _ := e.Value.([]QueueItem)
	return items
}
