package live

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"livesync/internal/platform/logger"
)

// Step is one stage of a stream-start attempt.
type Step string

const (
	StepIdle              Step = "idle"
	StepPreparing         Step = "preparing"
	StepCreatingBroadcast Step = "creating_broadcast"
	StepBindingStream     Step = "binding_stream"
	StepStartingOBS       Step = "starting_obs"
	StepWaitingForStream  Step = "waiting_for_stream"
	StepGoingLive         Step = "going_live"
	StepCompleted         Step = "completed"
	StepError             Step = "error"
)

// DefaultClearDelay is how long a completed attempt stays visible.
const DefaultClearDelay = 3 * time.Second

var ErrUnknownStep = errors.New("unknown stream start step")

func (s Step) valid() bool {
	switch s {
	case StepIdle, StepPreparing, StepCreatingBroadcast, StepBindingStream,
		StepStartingOBS, StepWaitingForStream, StepGoingLive, StepCompleted, StepError:
		return true
	}
	return false
}

// StreamStartProgress is the stream_start_progress push payload and the
// tracker's current value.
type StreamStartProgress struct {
	Step     Step   `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Tracker holds the state of the current stream-start attempt. Only pushes
// move it, except Dismiss from error.
type Tracker struct {
	clearDelay time.Duration
	log        *slog.Logger

	mu    sync.Mutex
	cur   StreamStartProgress
	timer *time.Timer
	gen   uint64
}

// NewTracker returns an idle Tracker. clearDelay <= 0 uses DefaultClearDelay.
func NewTracker(clearDelay time.Duration, log *slog.Logger) *Tracker {
	if clearDelay <= 0 {
		clearDelay = DefaultClearDelay
	}
	return &Tracker{
		clearDelay: clearDelay,
		log:        logger.Component(log, "stream_progress"),
		cur:        StreamStartProgress{Step: StepIdle},
	}
}

// Current returns the latest progress value.
func (t *Tracker) Current() StreamStartProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// Apply records a pushed progress value. It reports false when the value
// was ignored: after an error only a new attempt (preparing) is accepted.
func (t *Tracker) Apply(p StreamStartProgress) (bool, error) {
	if !p.Step.valid() {
		return false, ErrUnknownStep
	}
	p.Progress = max(0, min(p.Progress, 100))

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Step == StepError && p.Step != StepPreparing {
		t.log.Debug("ignoring progress while in error", slog.String("step", string(p.Step)))
		return false, nil
	}
	t.stopTimerLocked()
	t.cur = p

	switch p.Step {
	case StepCompleted:
		gen := t.gen
		t.timer = time.AfterFunc(t.clearDelay, func() { t.clear(gen) })
		t.log.Info("stream start completed")
	case StepError:
		t.log.Warn("stream start failed", slog.String("message", p.Message), slog.String("error", p.Error))
	}
	return true, nil
}

// Dismiss returns to idle from error. It reports whether anything changed.
func (t *Tracker) Dismiss() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur.Step != StepError {
		return false
	}
	t.cur = StreamStartProgress{Step: StepIdle}
	return true
}

// Close cancels a pending auto-clear.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
}

func (t *Tracker) clear(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.timer = nil
	t.cur = StreamStartProgress{Step: StepIdle}
}

// stopTimerLocked cancels the auto-clear. The generation bump covers a
// timer that already fired and is waiting on the lock.
func (t *Tracker) stopTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
