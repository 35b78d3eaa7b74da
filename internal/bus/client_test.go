package bus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coherencebus/internal/breaker"
	"coherencebus/internal/types"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := New(context.Background(), Options{
		URL:    mr.Addr(),
		DBPath: filepath.Join(t.TempDir(), "bus.db"),
		Bounds: map[types.Channel]ChannelBounds{
			types.ChannelMutations:  {MaxLen: 16, Retention: time.Hour},
			types.ChannelValidation: {MaxLen: 16, Retention: time.Hour},
			types.ChannelAlerts:     {MaxLen: 4, Retention: time.Hour},
			types.ChannelFragments:  {MaxLen: 16, Retention: time.Hour},
		},
		Breakers:           breaker.NewRegistry(breaker.Settings{FailureThreshold: 3, RecoveryThreshold: 1, TimeoutWindow: time.Minute}),
		MaxAttempts:        2,
		BlockTime:          50 * time.Millisecond,
		BackpressureWindow: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func mutationEnvelope(t *testing.T, id string) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(types.ChannelMutations, types.MsgMutationProposed,
		map[string]string{"hello": "world"}, "test_producer")
	require.NoError(t, err)
	if id != "" {
		env.MessageID = id
	}
	return env
}

func TestPublishAssignsIncreasingOffsets(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	off1, err := c.Publish(ctx, mutationEnvelope(t, ""))
	require.NoError(t, err)
	off2, err := c.Publish(ctx, mutationEnvelope(t, ""))
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)

	n, err := c.Len(ctx, types.ChannelMutations)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPublishIdempotentOnMessageID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	env := mutationEnvelope(t, "msg-fixed")
	off1, err := c.Publish(ctx, env)
	require.NoError(t, err)

	off2, err := c.Publish(ctx, mutationEnvelope(t, "msg-fixed"))
	require.NoError(t, err)
	assert.Equal(t, off1, off2, "duplicate publish must return the original offset")

	n, err := c.Len(ctx, types.ChannelMutations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "duplicate must not append")
}

func TestIdempotencySurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "bus.db")
	opts := Options{
		URL:    mr.Addr(),
		DBPath: dbPath,
		Bounds: map[types.Channel]ChannelBounds{
			types.ChannelMutations: {MaxLen: 16, Retention: time.Hour},
		},
		Breakers: breaker.NewRegistry(breaker.DefaultSettings()),
	}
	ctx := context.Background()

	c1, err := New(ctx, opts)
	require.NoError(t, err)
	off1, err := c1.Publish(ctx, mutationEnvelope(t, "msg-persist"))
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := New(ctx, opts)
	require.NoError(t, err)
	defer c2.Close()
	off2, err := c2.Publish(ctx, mutationEnvelope(t, "msg-persist"))
	require.NoError(t, err)
	assert.Equal(t, off1, off2)
}

func TestIdempotencyFallsBackToDisk(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	off1, err := c.Publish(ctx, mutationEnvelope(t, "msg-evicted"))
	require.NoError(t, err)

	// Drop the in-memory entry; the SQLite record must still dedupe and
	// rehydrate the window.
	c.seenMu.Lock()
	delete(c.seen, "msg-evicted")
	c.seenMu.Unlock()

	off2, err := c.Publish(ctx, mutationEnvelope(t, "msg-evicted"))
	require.NoError(t, err)
	assert.Equal(t, off1, off2)

	_, hot := c.lookupSeen("msg-evicted")
	assert.True(t, hot, "disk hit must repopulate the in-memory window")

	n, err := c.Len(ctx, types.ChannelMutations)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Subscribe(ctx, types.ChannelMutations, "pipeline", "worker-1", func(ctx context.Context, env *types.Envelope) error {
			got.Add(1)
			return nil
		})
	}()

	for i := 0; i < 5; i++ {
		_, err := c.Publish(ctx, mutationEnvelope(t, fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return got.Load() == 5 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestFailedDeliveryDeadLetters(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int64
	go c.Subscribe(ctx, types.ChannelMutations, "pipeline", "worker-1", func(ctx context.Context, env *types.Envelope) error {
		attempts.Add(1)
		return errors.New("handler down")
	})

	_, err := c.Publish(ctx, mutationEnvelope(t, "msg-doomed"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dls, err := c.DeadLetters(types.ChannelMutations, "pipeline")
		return err == nil && len(dls) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(2), attempts.Load(), "MaxAttempts deliveries before dead-letter")
	dls, err := c.DeadLetters(types.ChannelMutations, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "msg-doomed", dls[0].MessageID)
	assert.Contains(t, dls[0].LastError, "handler down")
}

func TestTrimEvictsOldestFirst(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := c.Publish(ctx, mutationEnvelope(t, fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, c.Trim(ctx, types.ChannelMutations, 3))

	n, err := c.Len(ctx, types.ChannelMutations)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// The survivors are the newest three.
	var ids []string
	_, err = c.Replay(ctx, types.ChannelMutations, "0", func(ctx context.Context, env *types.Envelope) error {
		ids = append(ids, env.MessageID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-5", "msg-6", "msg-7"}, ids)
}

func TestPublishAtCapTrimsOldest(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// coherence_alerts caps at 4 in this fixture. Priority 1 bypasses pacing
	// and relies on MAXLEN eviction.
	for i := 0; i < 5; i++ {
		env, err := types.NewEnvelope(types.ChannelAlerts, types.MsgCoherenceAlert,
			map[string]int{"n": i}, "test")
		require.NoError(t, err)
		env.Priority = 1
		_, err = c.Publish(ctx, env)
		require.NoError(t, err)
	}

	n, err := c.Len(ctx, types.ChannelAlerts)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "cap is a hard upper bound")
}

func TestBackpressureAtSaturation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	// Fill coherence_alerts to its cap of 4 with priority-1 messages.
	for i := 0; i < 4; i++ {
		env, err := types.NewEnvelope(types.ChannelAlerts, types.MsgCoherenceAlert, map[string]int{"n": i}, "test")
		require.NoError(t, err)
		env.Priority = 1
		_, err = c.Publish(ctx, env)
		require.NoError(t, err)
	}

	// A normal-priority publish must block then surface BusBackpressure, and
	// the breaker must stay closed.
	env, err := types.NewEnvelope(types.ChannelAlerts, types.MsgCoherenceAlert, map[string]int{"n": 99}, "test")
	require.NoError(t, err)
	start := time.Now()
	_, err = c.Publish(ctx, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBusBackpressure)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	br := c.opts.Breakers.Get("bus:" + string(types.ChannelAlerts))
	assert.Equal(t, breaker.Closed, br.State())

	// Drain and verify publishes resume.
	require.NoError(t, c.Trim(ctx, types.ChannelAlerts, 1))
	env2, err := types.NewEnvelope(types.ChannelAlerts, types.MsgCoherenceAlert, map[string]int{"n": 100}, "test")
	require.NoError(t, err)
	_, err = c.Publish(ctx, env2)
	require.NoError(t, err)
}

func TestReplayFromOffset(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var offsets []Offset
	for i := 0; i < 4; i++ {
		off, err := c.Publish(ctx, mutationEnvelope(t, fmt.Sprintf("msg-%d", i)))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	var ids []string
	n, err := c.Replay(ctx, types.ChannelMutations, offsets[2], func(ctx context.Context, env *types.Envelope) error {
		ids = append(ids, env.MessageID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"msg-2", "msg-3"}, ids)
}

func TestExpiredMessageDropped(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := mutationEnvelope(t, "msg-stale")
	env.Timestamp = time.Now().UTC().Add(-time.Hour)
	env.TTLSeconds = 60
	_, err := c.Publish(ctx, env)
	require.NoError(t, err)

	fresh := mutationEnvelope(t, "msg-fresh")
	_, err = c.Publish(ctx, fresh)
	require.NoError(t, err)

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Subscribe(ctx, types.ChannelMutations, "pipeline", "w1", func(ctx context.Context, env *types.Envelope) error {
			got = append(got, env.MessageID)
			if len(got) == 1 {
				cancel()
			}
			return nil
		})
	}()
	<-done
	assert.Equal(t, []string{"msg-fresh"}, got)
}
