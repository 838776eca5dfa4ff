package live

import (
	"context"
	"log/slog"
	"time"

	"livesync/internal/cache"
	"livesync/internal/platform/logger"
)

// StreamingStatus is the obs_streaming_status push payload.
type StreamingStatus struct {
	IsStreaming bool `json:"isStreaming"`
	IsRecording bool `json:"isRecording"`
}

// Devices exposes the OBS link, broadcast and YouTube auth snapshots and
// the commands that change them.
type Devices struct {
	cache  *cache.Cache
	server Server
	log    *slog.Logger
	now    func() time.Time
}

func NewDevices(c *cache.Cache, server Server, log *slog.Logger) *Devices {
	return &Devices{
		cache:  c,
		server: server,
		log:    logger.Component(log, "devices"),
		now:    time.Now,
	}
}

// Register installs fetchers for the status keys. statusPolicy is used for
// the OBS link, which also polls; the others use infoPolicy.
func (d *Devices) Register(statusPolicy, infoPolicy cache.Policy) {
	d.cache.Register(KeyOBSStatus, func(ctx context.Context) (any, error) {
		return d.server.OBSStatus(ctx)
	}, statusPolicy)
	d.cache.Register(KeyLivestream, func(ctx context.Context) (any, error) {
		return d.server.LivestreamStatus(ctx)
	}, infoPolicy)
	d.cache.Register(KeyYouTubeAuth, func(ctx context.Context) (any, error) {
		return d.server.YouTubeAuthStatus(ctx)
	}, infoPolicy)
}

func (d *Devices) OBSStatus() (ConnectionStatus, bool) {
	return cache.Value[ConnectionStatus](d.cache, KeyOBSStatus)
}

func (d *Devices) Livestream() (LivestreamStatus, bool) {
	return cache.Value[LivestreamStatus](d.cache, KeyLivestream)
}

func (d *Devices) YouTubeAuth() (YouTubeAuthStatus, bool) {
	return cache.Value[YouTubeAuthStatus](d.cache, KeyYouTubeAuth)
}

// ConnectOBS asks the server to open its OBS link and refreshes every OBS key.
func (d *Devices) ConnectOBS(ctx context.Context) error {
	if err := d.server.ConnectOBS(ctx); err != nil {
		return err
	}
	d.cache.Invalidate(KeyOBS)
	return nil
}

// DisconnectOBS asks the server to close its OBS link.
func (d *Devices) DisconnectOBS(ctx context.Context) error {
	if err := d.server.DisconnectOBS(ctx); err != nil {
		return err
	}
	d.cache.Invalidate(KeyOBS)
	return nil
}

// StartStream begins a stream-start attempt. Progress arrives by push.
func (d *Devices) StartStream(ctx context.Context, req StreamStartRequest) error {
	if err := d.server.StartStream(ctx, req); err != nil {
		return err
	}
	d.log.Info("stream start requested", slog.String("title", req.Title))
	return nil
}

// StopStream ends the broadcast and refreshes its status.
func (d *Devices) StopStream(ctx context.Context) error {
	if err := d.server.StopStream(ctx); err != nil {
		return err
	}
	d.cache.Invalidate(KeyLivestream)
	return nil
}

// ApplyConnectionStatus replaces the OBS link snapshot.
func (d *Devices) ApplyConnectionStatus(cs ConnectionStatus) {
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = d.now()
	}
	d.cache.Set(KeyOBSStatus, cs)
}

// ApplyStreamingStatus merges streaming and recording flags into the OBS
// link snapshot.
func (d *Devices) ApplyStreamingStatus(st StreamingStatus) {
	now := d.now()
	d.cache.Update(KeyOBSStatus, func(old any) any {
		cs, _ := old.(ConnectionStatus)
		cs.IsStreaming = st.IsStreaming
		cs.IsRecording = st.IsRecording
		cs.UpdatedAt = now
		return cs
	})
}

func (d *Devices) ApplyLivestreamStatus(ls LivestreamStatus) {
	d.cache.Set(KeyLivestream, ls)
}

func (d *Devices) ApplyYouTubeAuth(a YouTubeAuthStatus) {
	d.cache.Set(KeyYouTubeAuth, a)
}
