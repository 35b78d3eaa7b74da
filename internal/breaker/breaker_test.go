package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fixedClock lets tests drive the Open dwell window.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(settings Settings) (*Breaker, *fixedClock) {
	b := New("test", settings)
	clock := &fixedClock{t: time.Date(2025, 7, 4, 7, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestClosedToOpenAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3, RecoveryThreshold: 5, TimeoutWindow: 300 * time.Second})

	// failure_threshold - 1 failures: still closed.
	b.Record(errBoom)
	b.Record(errBoom)
	if got := b.State(); got != Closed {
		t.Fatalf("state after 2 failures = %v, want Closed", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow while closed: %v", err)
	}

	// One more failure opens it; subsequent calls fail fast.
	b.Record(errBoom)
	if got := b.State(); got != Open {
		t.Fatalf("state after 3 failures = %v, want Open", got)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("Allow while open returned nil")
	}
}

func TestOpenToHalfOpenAfterWindow(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, RecoveryThreshold: 2, TimeoutWindow: 300 * time.Second})

	b.Record(errBoom)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}

	clock.advance(299 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Allow before window elapsed returned nil")
	}

	clock.advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after window: %v", err)
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, RecoveryThreshold: 2, TimeoutWindow: time.Second})

	b.Record(errBoom)
	clock.advance(2 * time.Second)

	b.Record(nil)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after 1 success = %v, want HalfOpen", got)
	}
	b.Record(nil)
	if got := b.State(); got != Closed {
		t.Fatalf("state after recovery_threshold successes = %v, want Closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, RecoveryThreshold: 5, TimeoutWindow: time.Second})

	b.Record(errBoom)
	clock.advance(2 * time.Second)
	b.Record(nil)
	b.Record(errBoom)
	if got := b.State(); got != Open {
		t.Fatalf("state after half-open failure = %v, want Open", got)
	}
}

func TestDoPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 2, RecoveryThreshold: 1, TimeoutWindow: time.Minute})

	calls := 0
	err := b.Do(func() error { calls++; return nil })
	if err != nil || calls != 1 {
		t.Fatalf("Do = %v, calls = %d", err, calls)
	}

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	err = b.Do(func() error { calls++; return nil })
	if err == nil {
		t.Fatal("Do while open returned nil")
	}
	if calls != 1 {
		t.Fatalf("fn ran while open, calls = %d", calls)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1, RecoveryThreshold: 1, TimeoutWindow: time.Minute})

	b := r.Get("store")
	if b != r.Get("store") {
		t.Fatal("Get returned different instances for the same name")
	}

	b.Record(errBoom)
	snaps := r.Snapshots()
	if len(snaps) != 1 || snaps[0].State != "open" {
		t.Fatalf("snapshots = %+v", snaps)
	}

	if err := r.Reset("store"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after reset = %v, want Closed", got)
	}
	if err := r.Reset("nope"); err == nil {
		t.Fatal("Reset of unknown breaker returned nil")
	}
}
