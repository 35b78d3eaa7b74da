// Package breaker implements the three-state circuit breaker that isolates
// every external dependency of the coherence bus: the store, each evaluator,
// the broker segments, and every producer publish path.
package breaker

import (
	"sync"
	"time"

	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the lowercase state name used by health reporting.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "half_open"
	}
}

// Settings tune a breaker instance.
type Settings struct {
	// FailureThreshold failures in Closed transition to Open.
	FailureThreshold int
	// RecoveryThreshold successes in HalfOpen transition to Closed.
	RecoveryThreshold int
	// TimeoutWindow is the Open dwell time measured from the last failure.
	TimeoutWindow time.Duration
}

// DefaultSettings mirror the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:  3,
		RecoveryThreshold: 5,
		TimeoutWindow:     300 * time.Second,
	}
}

// Breaker is a three-state failure isolation gate. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a named breaker in the Closed state.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.RecoveryThreshold <= 0 {
		settings.RecoveryThreshold = DefaultSettings().RecoveryThreshold
	}
	if settings.TimeoutWindow <= 0 {
		settings.TimeoutWindow = DefaultSettings().TimeoutWindow
	}
	return &Breaker{name: name, settings: settings, now: time.Now}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the Open -> HalfOpen timeout
// transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.now().Sub(b.lastFailureTime) >= b.settings.TimeoutWindow {
		b.state = HalfOpen
		b.successCount = 0
		logging.Breaker("%s: open -> half_open after timeout window", b.name)
	}
	return b.state
}

// Allow reports whether a call may proceed. Returns ErrCircuitOpen while the
// breaker is Open and the timeout window has not elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == Open {
		return types.ErrCircuitOpen
	}
	return nil
}

// Do runs fn through the breaker: it fails fast when Open and records the
// outcome otherwise.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Record counts a call outcome against the breaker state machine.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	if err == nil {
		switch state {
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.settings.RecoveryThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
				logging.Breaker("%s: half_open -> closed after %d successes", b.name, b.settings.RecoveryThreshold)
			}
		case Closed:
			b.failureCount = 0
		}
		return
	}

	b.lastFailureTime = b.now()
	switch state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.state = Open
			logging.Breaker("%s: closed -> open after %d failures", b.name, b.failureCount)
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
		logging.Breaker("%s: half_open -> open on failure", b.name)
	}
}

// Reset forces the breaker back to Closed and clears all counters. Used by
// the admin CLI.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	logging.Breaker("%s: reset to closed", b.name)
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:         b.name,
		State:        b.stateLocked().String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailureTime,
	}
}
