package backend

import (
	"context"
	"net/http"
	"net/url"

	"livesync/internal/live"
)

// ListScenes handles GET /api/obs/scenes.
func (c *Client) ListScenes(ctx context.Context, visibleOnly bool) ([]live.SceneRecord, error) {
	var q url.Values
	if visibleOnly {
		q = url.Values{"visibleOnly": {"true"}}
	}
	var scenes []live.SceneRecord
	if err := c.do(ctx, http.MethodGet, "/api/obs/scenes", q, nil, &scenes); err != nil {
		return nil, err
	}
	return scenes, nil
}

// SwitchScene handles POST /api/obs/scenes/switch.
func (c *Client) SwitchScene(ctx context.Context, sceneName string) error {
	body := struct {
		SceneName string `json:"sceneName"`
	}{SceneName: sceneName}
	return c.do(ctx, http.MethodPost, "/api/obs/scenes/switch", nil, body, nil)
}

// OBSStatus handles GET /api/obs/status.
func (c *Client) OBSStatus(ctx context.Context) (live.ConnectionStatus, error) {
	var s live.ConnectionStatus
	err := c.do(ctx, http.MethodGet, "/api/obs/status", nil, nil, &s)
	return s, err
}

// ConnectOBS handles POST /api/obs/connect.
func (c *Client) ConnectOBS(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/obs/connect", nil, nil, nil)
}

// DisconnectOBS handles POST /api/obs/disconnect.
func (c *Client) DisconnectOBS(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/obs/disconnect", nil, nil, nil)
}
