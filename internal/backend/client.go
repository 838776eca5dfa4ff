// Package backend is the JSON REST client for the authoritative server.
// Every endpoint answers with a {data, error} envelope; a non-empty error
// means the request did not take effect.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livesync/internal/platform/logger"
)

var (
	// ErrServerRejected matches every *ServerError.
	ErrServerRejected = errors.New("server rejected request")

	// ErrUnavailable wraps transport failures: the server could not be reached
	// or answered with something that is not an envelope.
	ErrUnavailable = errors.New("server unavailable")
)

// ServerError carries the error string of a {data, error} envelope.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// Reason is the server's own error string.
func (e *ServerError) Reason() string {
	return e.Message
}

// Is makes errors.Is(err, ErrServerRejected) true.
func (e *ServerError) Is(target error) bool {
	return target == ErrServerRejected
}

type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *string         `json:"error,omitempty"`
}

// Client talks to one server base URL.
type Client struct {
	base *url.URL
	http *http.Client
	log  *slog.Logger
}

// New returns a Client for baseURL. A zero timeout means no client timeout;
// callers still bound requests with their context.
func New(baseURL string, timeout time.Duration, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse server url: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
		log:  logger.Component(log, "backend"),
	}, nil
}

// do sends one request and decodes the envelope's data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("server request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &ServerError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		if errors.Is(err, io.EOF) && out == nil {
			return nil
		}
		return fmt.Errorf("%w: %s %s: decode envelope: %v", ErrUnavailable, method, path, err)
	}
	if env.Error != nil && *env.Error != "" {
		return &ServerError{Status: resp.StatusCode, Message: *env.Error}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &ServerError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
