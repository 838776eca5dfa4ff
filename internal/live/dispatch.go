package live

import (
	"encoding/json"
	"fmt"
	"time"

	"livesync/internal/channel"
)

// PushRegistrar is the part of *channel.Channel that BindPush needs.
type PushRegistrar interface {
	Handle(msgType string, fn channel.HandlerFunc)
}

// CurrentScene is the obs_current_scene push payload.
type CurrentScene struct {
	SceneName string    `json:"sceneName"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BindPush routes every server push type to the cache or tracker update it
// drives.
func BindPush(r PushRegistrar, scenes *Scenes, devices *Devices, tracker *Tracker) {
	r.Handle(channel.TypeOBSConnectionStatus, decoded(devices.ApplyConnectionStatus))
	r.Handle(channel.TypeOBSStreamingStatus, decoded(devices.ApplyStreamingStatus))
	r.Handle(channel.TypeLivestreamStatus, decoded(devices.ApplyLivestreamStatus))
	r.Handle(channel.TypeYouTubeAuthStatus, decoded(devices.ApplyYouTubeAuth))

	r.Handle(channel.TypeOBSCurrentScene, func(payload json.RawMessage) error {
		var cs CurrentScene
		if err := json.Unmarshal(payload, &cs); err != nil {
			return err
		}
		if cs.SceneName == "" {
			return fmt.Errorf("%s: empty scene name", channel.TypeOBSCurrentScene)
		}
		scenes.ApplyCurrentScene(cs.SceneName)
		return nil
	})

	r.Handle(channel.TypeStreamStartProgress, func(payload json.RawMessage) error {
		var p StreamStartProgress
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		_, err := tracker.Apply(p)
		return err
	})
}

// decoded wraps a typed apply function as a channel handler.
func decoded[T any](apply func(T)) channel.HandlerFunc {
	return func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return err
		}
		apply(v)
		return nil
	}
}
