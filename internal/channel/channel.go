// Package channel maintains the push connection to the server: one
// websocket that is re-dialed forever, pinged on a heartbeat, and whose
// frames are dispatched to typed handlers.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livesync/internal/platform/logger"
	"livesync/internal/platform/metrics"
)

// Settings tunes the channel's timers.
type Settings struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Retry             RetryPolicy
}

// DefaultSettings pings every 30s and retries every 3s without giving up.
func DefaultSettings() *Settings {
	return &Settings{
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		Retry:             ConstantRetry{Interval: 3 * time.Second},
	}
}

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Channel is one logical, always-reconnecting push link. It holds no
// business state beyond its connection status.
type Channel struct {
	url      string
	clientID string
	dialer   Dialer
	settings *Settings
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	status   Status
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[string]HandlerFunc
	hooks    []func(Status)
	lastPong time.Time
	dials    int
}

// New returns a disconnected Channel for pushURL. A nil dialer uses
// websocket.DefaultDialer; nil settings use DefaultSettings.
func New(pushURL string, dialer Dialer, settings *Settings, log *slog.Logger, m *metrics.Metrics) *Channel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Retry == nil {
		settings.Retry = DefaultSettings().Retry
	}
	return &Channel{
		url:      pushURL,
		clientID: uuid.NewString(),
		dialer:   dialer,
		settings: settings,
		log:      logger.Component(log, "channel"),
		metrics:  m,
		status:   StatusDisconnected,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for msgType, replacing any earlier handler.
func (c *Channel) Handle(msgType string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// OnStatus registers a hook called on every status change, outside any lock.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastPong returns when the server last answered a ping.
func (c *Channel) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Dials returns the number of dial attempts made so far.
func (c *Channel) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// ClientID identifies this process on the handshake.
func (c *Channel) ClientID() string {
	return c.clientID
}

// Connect starts the supervisor loop and returns immediately. Calling it
// while the loop is running is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Disconnect stops reconnecting, cancels the heartbeat, closes the socket
// and waits for the loop to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		c.setStatus(StatusConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Info("dial failed", slog.String("url", c.url), slog.String("error", err.Error()))
		}
		c.setStatus(StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
		attempt++
		c.metrics.IncReconnects()
		wait := c.settings.Retry.Delay(attempt)
		c.log.Debug("reconnect scheduled", slog.Int("attempt", attempt), slog.Duration("delay", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()

	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.settings.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", c.clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serve owns conn until it fails or ctx ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-connCtx.Done()
		deadline := time.Now().Add(c.settings.WriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}()
	defer func() {
		cancel()
		<-closed
	}()

	c.setStatus(StatusConnected)
	c.log.Info("connected", slog.String("url", c.url))

	go c.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("connection closed", slog.String("error", err.Error()))
			}
			return
		}
		c.dispatch(data)
	}
}

// heartbeat is the only writer of data frames on conn.
func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()
	ping := Message{Type: TypePing}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := conn.WriteJSON(ping); err != nil {
				c.log.Info("heartbeat failed", slog.String("error", err.Error()))
				// Unblocks the reader, which schedules the reconnect.
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.log.Warn("dropping unparsable push frame", slog.String("error", err.Error()), slog.Int("size", len(data)))
		c.metrics.IncPushDropped()
		return
	}
	c.metrics.IncPushMessage(msg.Type)

	if msg.Type == TypePong {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	fn := c.handlers[msg.Type]
	c.mu.Unlock()
	if fn == nil {
		c.log.Debug("no handler for push frame", slog.String("type", msg.Type))
		return
	}
	if err := safeHandle(fn, msg.Payload); err != nil {
		c.log.Warn("push handler failed", slog.String("type", msg.Type), slog.String("error", err.Error()))
		c.metrics.IncPushDropped()
	}
}

func safeHandle(fn HandlerFunc, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return fn(payload)
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	c.metrics.SetConnected(s == StatusConnected)
	for _, fn := range hooks {
		fn(s)
	}
}
