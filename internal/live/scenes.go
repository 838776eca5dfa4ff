package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"livesync/internal/cache"
	"livesync/internal/mutation"
	"livesync/internal/platform/logger"
)

var ErrSceneNotFound = errors.New("scene not found")

// Scenes keeps the all-scenes and visible-only projections of the OBS
// scene list in lock-step.
type Scenes struct {
	cache  *cache.Cache
	exec   *mutation.Executor
	server OBSServer
	log    *slog.Logger
}

func NewScenes(c *cache.Cache, exec *mutation.Executor, server OBSServer, log *slog.Logger) *Scenes {
	return &Scenes{
		cache:  c,
		exec:   exec,
		server: server,
		log:    logger.Component(log, "scenes"),
	}
}

// Register installs fetchers for both projections.
func (s *Scenes) Register(policy cache.Policy) {
	for _, visibleOnly := range []bool{false, true} {
		s.cache.Register(sceneKey(visibleOnly), func(ctx context.Context) (any, error) {
			scenes, err := s.server.ListScenes(ctx, visibleOnly)
			if err != nil {
				return nil, err
			}
			return sortScenes(scenes), nil
		}, policy)
	}
}

func sceneKey(visibleOnly bool) cache.Key {
	if visibleOnly {
		return KeyScenesVisible
	}
	return KeyScenesAll
}

// Scenes returns one cached projection without blocking.
func (s *Scenes) Scenes(visibleOnly bool) []SceneRecord {
	scenes, _ := cache.Value[[]SceneRecord](s.cache, sceneKey(visibleOnly))
	return scenes
}

// Current returns the scene marked current in the full list.
func (s *Scenes) Current() (SceneRecord, bool) {
	for _, sc := range s.Scenes(false) {
		if sc.IsCurrent {
			return sc, true
		}
	}
	return SceneRecord{}, false
}

// ApplyCurrentScene records that name is now live. Every cached projection
// is rewritten in the same locked step, then the family is refetched.
func (s *Scenes) ApplyCurrentScene(name string) {
	touched := s.cache.UpdatePrefix(KeyScenes, func(_ cache.Key, old any) any {
		return markCurrent(old, name)
	})
	s.log.Debug("current scene applied", slog.String("scene", name), slog.Int("projections", len(touched)))
	s.cache.Invalidate(KeyScenes)
}

// SwitchScene asks OBS to switch to name, marking it current in both
// projections before the server answers.
func (s *Scenes) SwitchScene(ctx context.Context, name string) error {
	if e, ok := s.cache.Peek(KeyScenesAll); ok {
		if all, ok := e.Value.([]SceneRecord); ok {
			if !slices.ContainsFunc(all, func(sc SceneRecord) bool { return sc.ExternalName == name }) {
				return fmt.Errorf("%w: %q", ErrSceneNotFound, name)
			}
		}
	}
	return s.exec.Execute(ctx, mutation.Mutation{
		Name: "obs.switch_scene",
		Keys: []cache.Key{KeyScenesAll, KeyScenesVisible},
		Apply: func(_ cache.Key, old any) any {
			return markCurrent(old, name)
		},
		Call: func(ctx context.Context) error { return s.server.SwitchScene(ctx, name) },
	})
}

// markCurrent returns a copy of a scene list with only name current. Values
// that are not scene lists are returned as is.
func markCurrent(old any, name string) any {
	scenes, ok := old.([]SceneRecord)
	if !ok {
		return old
	}
	out := slices.Clone(scenes)
	for i := range out {
		out[i].IsCurrent = out[i].ExternalName == name
	}
	return out
}

func sortScenes(scenes []SceneRecord) []SceneRecord {
	out := slices.Clone(scenes)
	slices.SortStableFunc(out, func(a, b SceneRecord) int {
		return a.SortOrder - b.SortOrder
	})
	return out
}
