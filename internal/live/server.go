package live

import (
	"context"

	"livesync/internal/cache"
)

// Cache keys. Scene projections share the obs/scenes family so one
// invalidation refreshes both.
const (
	KeyQueue         cache.Key = "queue"
	KeyOBS           cache.Key = "obs"
	KeyScenes        cache.Key = "obs/scenes"
	KeyScenesAll     cache.Key = "obs/scenes/all"
	KeyScenesVisible cache.Key = "obs/scenes/visible"
	KeyOBSStatus     cache.Key = "obs/status"
	KeyLivestream    cache.Key = "livestream/status"
	KeyYouTubeAuth   cache.Key = "youtube/auth"
)

// QueueServer is the queue part of the authoritative server.
type QueueServer interface {
	ListQueue(ctx context.Context) ([]QueueItem, error)
	AddQueueItem(ctx context.Context, item NewQueueItem, afterID int64) (QueueItem, error)
	UpdateQueueItem(ctx context.Context, id int64, patch ItemPatch) (QueueItem, error)
	RemoveQueueItem(ctx context.Context, id int64) error
	ReorderQueue(ctx context.Context, ids []int64) error
	ClearQueue(ctx context.Context) error
	SetExpanded(ctx context.Context, id int64, expanded bool) error
}

// OBSServer controls the OBS link through the server.
type OBSServer interface {
	ListScenes(ctx context.Context, visibleOnly bool) ([]SceneRecord, error)
	SwitchScene(ctx context.Context, sceneName string) error
	OBSStatus(ctx context.Context) (ConnectionStatus, error)
	ConnectOBS(ctx context.Context) error
	DisconnectOBS(ctx context.Context) error
}

// BroadcastServer covers the livestream and YouTube side.
type BroadcastServer interface {
	LivestreamStatus(ctx context.Context) (LivestreamStatus, error)
	YouTubeAuthStatus(ctx context.Context) (YouTubeAuthStatus, error)
	StartStream(ctx context.Context, req StreamStartRequest) error
	StopStream(ctx context.Context) error
}

// Server is everything the services consume.
type Server interface {
	QueueServer
	OBSServer
	BroadcastServer
}
