package backend

import (
	"context"
	"net/http"

	"livesync/internal/live"
)

// LivestreamStatus handles GET /api/livestream/status.
func (c *Client) LivestreamStatus(ctx context.Context) (live.LivestreamStatus, error) {
	var s live.LivestreamStatus
	err := c.do(ctx, http.MethodGet, "/api/livestream/status", nil, nil, &s)
	return s, err
}

// YouTubeAuthStatus handles GET /api/youtube/auth/status.
func (c *Client) YouTubeAuthStatus(ctx context.Context) (live.YouTubeAuthStatus, error) {
	var s live.YouTubeAuthStatus
	err := c.do(ctx, http.MethodGet, "/api/youtube/auth/status", nil, nil, &s)
	return s, err
}

// StartStream handles POST /api/stream/start. The server reports the
// steps that follow as stream_start_progress pushes.
func (c *Client) StartStream(ctx context.Context, req live.StreamStartRequest) error {
	return c.do(ctx, http.MethodPost, "/api/stream/start", nil, req, nil)
}

// StopStream handles POST /api/stream/stop.
func (c *Client) StopStream(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stream/stop", nil, nil, nil)
}
