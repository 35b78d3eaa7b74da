package coherence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coherencebus/internal/breaker"
	"coherencebus/internal/bus"
	"coherencebus/internal/evaluator"
	"coherencebus/internal/knowledge"
	"coherencebus/internal/types"
)

func newTestCore(t *testing.T) (*Core, *breaker.Registry) {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	breakers := breaker.NewRegistry(breaker.DefaultSettings())

	busClient, err := bus.New(ctx, bus.Options{
		URL:    mr.Addr(),
		DBPath: filepath.Join(dir, "bus.db"),
		Bounds: map[types.Channel]bus.ChannelBounds{
			types.ChannelMutations:  {MaxLen: 100, Retention: time.Hour},
			types.ChannelValidation: {MaxLen: 100, Retention: time.Hour},
			types.ChannelAlerts:     {MaxLen: 100, Retention: time.Hour},
			types.ChannelFragments:  {MaxLen: 100, Retention: time.Hour},
		},
		Breakers:  breakers,
		BlockTime: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { busClient.Close() })

	store, err := knowledge.Open(knowledge.Options{DataDir: filepath.Join(dir, "store")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core, err := New(Options{
		Bus:      busClient,
		Store:    store,
		Breakers: breakers,
		Pool:     evaluator.NewPool(nil, nil, nil, nil, evaluator.Options{Breakers: breakers}),
	})
	require.NoError(t, err)
	return core, breakers
}

func TestPublishMutationIdempotent(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	m := &types.Mutation{
		MutationID: types.NewMutationID(),
		Type:       types.MutationAddInsight,
		Target:     "MERCADO.tam_estimado",
		NewValue:   "50M EUR",
		Confidence: 0.85,
		Source:     "mercado_agent",
		Timestamp:  time.Now().UTC(),
	}
	off1, err := core.PublishMutation(ctx, m)
	require.NoError(t, err)
	off2, err := core.PublishMutation(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, off1, off2)
}

func TestPublishMutationRejectsInvalid(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.PublishMutation(context.Background(), &types.Mutation{
		MutationID: types.NewMutationID(),
		Type:       "Bogus",
		Target:     "MERCADO.x",
		Source:     "test",
	})
	require.Error(t, err)
}

func TestPublishDecisionValidates(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	_, err := core.PublishDecision(ctx, types.DeliberationDecision{Decision: types.DecisionApprove})
	require.Error(t, err)

	_, err = core.PublishDecision(ctx, types.DeliberationDecision{MutationID: "mut-1", Decision: "defer"})
	require.Error(t, err)

	_, err = core.PublishDecision(ctx, types.DeliberationDecision{MutationID: "mut-1", Decision: types.DecisionApprove, Operator: "admin"})
	require.NoError(t, err)
}

func TestSubscribeOutcomesRoundTrip(t *testing.T) {
	core, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []types.OutcomeEvent
	done := make(chan error, 1)
	go func() {
		done <- core.SubscribeOutcomes(ctx, "observers", "obs-1", func(_ context.Context, ev types.OutcomeEvent) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	// A decision on the same channel must not reach the outcome handler.
	_, err := core.PublishDecision(ctx, types.DeliberationDecision{MutationID: "mut-7", Decision: types.DecisionDiscard})
	require.NoError(t, err)
	_, err = core.PublishOutcome(ctx, types.OutcomeEvent{
		MutationID:    "mut-7",
		Target:        "MERCADO.segmento",
		Status:        types.StatusApplied,
		CommitVersion: 2,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "mut-7", got[0].MutationID)
	assert.Equal(t, uint64(2), got[0].CommitVersion)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscribeFragmentsRoundTrip(t *testing.T) {
	core, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frag := &types.Fragment{
		FragmentID:          types.NewFragmentID(),
		AgentKind:           types.AgentMercado,
		Phase:               types.PhaseExecution,
		GeneratedAt:         time.Now().UTC(),
		ParentCommitVersion: 2,
	}
	_, err := core.PublishFragment(ctx, frag)
	require.NoError(t, err)

	received := make(chan *types.Fragment, 1)
	go core.SubscribeFragments(ctx, "agents", "mercado-1", func(_ context.Context, f *types.Fragment) error {
		select {
		case received <- f:
		default:
		}
		return nil
	})

	select {
	case f := <-received:
		assert.Equal(t, frag.FragmentID, f.FragmentID)
		assert.Equal(t, types.AgentMercado, f.AgentKind)
	case <-time.After(5 * time.Second):
		t.Fatal("fragment never delivered")
	}
}

func TestHealthReportsStateAndLengths(t *testing.T) {
	core, breakers := newTestCore(t)
	ctx := context.Background()

	_, err := core.PublishAlert(ctx, types.AlertEvent{Kind: types.AlertDeadLetter, MutationID: "mut-9"}, 0)
	require.NoError(t, err)

	h, err := core.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, uint64(1), h.CommitVersion)
	assert.GreaterOrEqual(t, h.CoherenceScore, 0.7)
	assert.NotEmpty(t, h.ContextHash)
	assert.Equal(t, int64(1), h.Channels[types.ChannelAlerts])
	assert.Equal(t, int64(0), h.Channels[types.ChannelMutations])

	// Trip a breaker open: health degrades.
	br := breakers.Get("bus:context_mutations")
	for i := 0; i < 3; i++ {
		br.Record(assert.AnError)
	}
	h, err = core.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
}
