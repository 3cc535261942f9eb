package stream

import (
	"sync"
	"time"
)

// State is the scheduler's position in the reconnect lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxAttempts is how many reconnects are scheduled before
	// the scheduler gives up for good.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the first reconnect delay; each further
	// attempt doubles it (2s, 4s, 8s, 16s, 32s).
	DefaultBaseDelay = 2 * time.Second
)

// Scheduler is the per-stream reconnect state machine:
// Disconnected → Connecting → Connected → Reconnecting → ... → GaveUp.
// connect is invoked for every (re)connection attempt; onGiveUp fires
// once when the attempt budget is exhausted.
type Scheduler struct {
	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer

	maxAttempts int
	baseDelay   time.Duration
	connect     func()
	onGiveUp    func()

	afterFunc func(time.Duration, func()) *time.Timer // test seam
}

// NewScheduler creates a scheduler in the Disconnected state.
func NewScheduler(connect, onGiveUp func()) *Scheduler {
	return &Scheduler{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		connect:     connect,
		onGiveUp:    onGiveUp,
		afterFunc:   time.AfterFunc,
	}
}

// Start begins the first connection cycle.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	s.connect()
}

// HandleOpen marks the stream connected and resets the attempt
// counter, cancelling any pending reconnect.
func (s *Scheduler) HandleOpen() {
	s.mu.Lock()
	s.attempts = 0
	s.stopTimerLocked()
	s.state = StateConnected
	s.mu.Unlock()
}

// HandleError reacts to a stream error. When the transport is not
// terminal the error is left alone — the connection may self-recover.
// Terminal errors schedule a backoff reconnect until the attempt
// budget runs out, then transition to GaveUp. Returns true when a
// reconnect was scheduled.
func (s *Scheduler) HandleError(terminal bool) bool {
	if !terminal {
		return false
	}

	s.mu.Lock()
	if s.state == StateGaveUp {
		s.mu.Unlock()
		return false
	}

	s.attempts++
	if s.attempts > s.maxAttempts {
		s.state = StateGaveUp
		s.stopTimerLocked()
		s.mu.Unlock()
		if s.onGiveUp != nil {
			s.onGiveUp()
		}
		return false
	}

	delay := s.Delay(s.attempts)
	s.state = StateReconnecting
	s.timer = s.afterFunc(delay, s.fire)
	s.mu.Unlock()
	return true
}

// fire runs when a reconnect timer elapses.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.state != StateReconnecting {
		// Refresh or Stop won the race
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.timer = nil
	s.mu.Unlock()

	s.connect()
}

// Delay returns the backoff before the given attempt: base * 2^(n-1).
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.baseDelay << (attempt - 1)
}

// Refresh cancels any pending reconnect, resets the attempt counter,
// and starts a fresh connection cycle. This is the manual-refresh
// escape hatch, including out of GaveUp.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.attempts = 0
	s.state = StateConnecting
	s.mu.Unlock()

	s.connect()
}

// Stop cancels any pending reconnect and parks the scheduler.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopTimerLocked()
	s.state = StateDisconnected
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive failure count.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a reconnect timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
