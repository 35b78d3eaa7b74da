package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 5*time.Second, 0.2)

	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
	} {
		d := b.Delay(attempt)
		assert.InDelta(t, float64(want), float64(d), float64(want)*0.21, "attempt %d", attempt)
	}

	// Past the doubling range the delay pins to the cap (plus jitter).
	d := b.Delay(10)
	assert.LessOrEqual(t, d, 6*time.Second)
	assert.GreaterOrEqual(t, d, 4*time.Second)
}

// Workers share one Backoff; concurrent Delay calls must stay race-free and
// within the jitter envelope.
func TestBackoffDelayConcurrent(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 100*time.Millisecond, 0.2)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				d := b.Delay(1)
				assert.GreaterOrEqual(t, d, 8*time.Millisecond)
				assert.LessOrEqual(t, d, 12*time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	d := b.Delay(1)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d), float64(100*time.Millisecond)*0.21)
}
