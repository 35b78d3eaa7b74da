package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"coherencebus/internal/knowledge"
	"coherencebus/internal/types"
)

type stubDrift struct {
	res   DriftResult
	err   error
	delay time.Duration
}

func (s stubDrift) Name() string { return "stub_drift" }
func (s stubDrift) Drift(ctx context.Context, _ *types.KnowledgeTree, _ *types.Mutation) (DriftResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return DriftResult{}, ctx.Err()
		}
	}
	return s.res, s.err
}

type stubContradiction struct {
	res ContradictionResult
	err error
}

func (s stubContradiction) Name() string { return "stub_contradiction" }
func (s stubContradiction) Contradict(context.Context, *types.KnowledgeTree, *types.Mutation) (ContradictionResult, error) {
	return s.res, s.err
}

type stubRevision struct {
	res RevisionResult
	err error
}

func (s stubRevision) Name() string { return "stub_revision" }
func (s stubRevision) Revise(context.Context, *types.KnowledgeTree, *types.Mutation) (RevisionResult, error) {
	return s.res, s.err
}

type stubUtility struct {
	res UtilityResult
	err error
}

func (s stubUtility) Name() string { return "stub_utility" }
func (s stubUtility) Utility(context.Context, *types.KnowledgeTree, *types.Mutation) (UtilityResult, error) {
	return s.res, s.err
}

func testTree(t *testing.T) *types.KnowledgeTree {
	t.Helper()
	tree, err := knowledge.Bootstrap(knowledge.DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return tree
}

func testMutation() *types.Mutation {
	return &types.Mutation{
		MutationID: types.NewMutationID(),
		Type:       types.MutationAddInsight,
		Target:     "PAIN_POINTS.drift_contexto",
		NewValue:   "Context drift between agents",
		Confidence: 0.9,
		Source:     "ai_system",
		Timestamp:  time.Now().UTC(),
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	pool := NewPool(nil, nil, nil, nil, Options{})
	m := testMutation()

	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.Drift.Magnitude > 0.78 {
		t.Fatalf("additive insight drift %.3f above deliberation threshold", out.Drift.Magnitude)
	}
	if out.Contradiction.Verdict != VerdictConsistent {
		t.Fatalf("verdict = %s, want %s", out.Contradiction.Verdict, VerdictConsistent)
	}
	if out.Utility.Score < 0.6 {
		t.Fatalf("utility %.3f below standard floor", out.Utility.Score)
	}
	if out.Suspend || m.RequiresDeliberation {
		t.Fatal("happy path must not suspend or force deliberation")
	}
	if len(out.Degraded) != 0 {
		t.Fatalf("unexpected degradation: %v", out.Degraded)
	}
}

func TestEvaluateHighDriftForcesDeliberation(t *testing.T) {
	pool := NewPool(stubDrift{res: DriftResult{Magnitude: 0.9}}, nil, nil, nil, Options{})
	m := testMutation()

	if _, err := pool.Evaluate(context.Background(), testTree(t), m); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !m.RequiresDeliberation {
		t.Fatal("drift 0.9 did not set requires_deliberation")
	}
}

func TestEvaluateContradictionRejects(t *testing.T) {
	pool := NewPool(nil,
		stubContradiction{res: ContradictionResult{Verdict: VerdictContradicts, Confidence: 0.9}},
		nil, nil, Options{})
	m := testMutation()

	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if !errors.Is(err, types.ErrContradiction) {
		t.Fatalf("Evaluate error = %v, want ErrContradiction", err)
	}
	if out.Suspend {
		t.Fatal("rejection must not also suspend")
	}
}

func TestEvaluateContradictionWithDeliberationSuspends(t *testing.T) {
	pool := NewPool(nil,
		stubContradiction{res: ContradictionResult{Verdict: VerdictContradicts, Confidence: 0.9}},
		nil, nil, Options{})
	m := testMutation()
	m.RequiresDeliberation = true

	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.Suspend {
		t.Fatal("contradiction under deliberation must suspend")
	}
}

func TestEvaluateContradictionBelowThresholdPasses(t *testing.T) {
	pool := NewPool(nil,
		stubContradiction{res: ContradictionResult{Verdict: VerdictContradicts, Confidence: 0.8}},
		nil, nil, Options{})

	if _, err := pool.Evaluate(context.Background(), testTree(t), testMutation()); err != nil {
		t.Fatalf("low-confidence contradiction rejected: %v", err)
	}
}

func TestEvaluateRevisionChangesMutation(t *testing.T) {
	pool := NewPool(nil, nil,
		stubRevision{res: RevisionResult{ApprovedValue: "revised", NewConfidence: 0.7, Changed: true}},
		nil, Options{})
	m := testMutation()

	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !out.Revised {
		t.Fatal("outcome not marked revised")
	}
	if m.NewValue != "revised" || m.Confidence != 0.7 {
		t.Fatalf("mutation not revised in place: %v @ %.2f", m.NewValue, m.Confidence)
	}
}

func TestEvaluateUtilityFloors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		score  float64
		wantOK bool
	}{
		{"standard above floor", "MERCADO.tam", 0.65, true},
		{"standard below floor", "MERCADO.tam", 0.55, false},
		{"critical above floor", "ORGANIZACION.nombre", 0.35, true},
		{"critical below floor", "ORGANIZACION.nombre", 0.25, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(nil, nil, nil, stubUtility{res: UtilityResult{Score: tt.score}}, Options{})
			m := testMutation()
			m.Type = types.MutationUpdateField
			m.Target = tt.target

			_, err := pool.Evaluate(context.Background(), testTree(t), m)
			if tt.wantOK && err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if !tt.wantOK && !errors.Is(err, types.ErrUtilityTooLow) {
				t.Fatalf("Evaluate error = %v, want ErrUtilityTooLow", err)
			}
		})
	}
}

func TestEvaluateSingleFailureDegrades(t *testing.T) {
	pool := NewPool(stubDrift{err: errors.New("model down")}, nil, nil, nil, Options{})
	m := testMutation()

	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if err != nil {
		t.Fatalf("single failure must degrade, not reject: %v", err)
	}
	if len(out.Degraded) != 1 || out.Degraded[0] != "drift" {
		t.Fatalf("degraded = %v, want [drift]", out.Degraded)
	}
	if out.Drift.Magnitude != pool.DriftEWMA() {
		t.Fatalf("degraded drift %.3f != EWMA %.3f", out.Drift.Magnitude, pool.DriftEWMA())
	}
	if m.RequiresDeliberation {
		t.Fatal("cold-start EWMA fallback forced deliberation")
	}
}

func TestEvaluateTwoFailuresReject(t *testing.T) {
	pool := NewPool(
		stubDrift{err: errors.New("down")}, nil,
		stubRevision{err: errors.New("down")}, nil, Options{})

	_, err := pool.Evaluate(context.Background(), testTree(t), testMutation())
	if !errors.Is(err, types.ErrEvaluatorsDegraded) {
		t.Fatalf("Evaluate error = %v, want ErrEvaluatorsDegraded", err)
	}
}

func TestEvaluateDeadlineEnforced(t *testing.T) {
	pool := NewPool(stubDrift{delay: 500 * time.Millisecond, res: DriftResult{Magnitude: 0.1}},
		nil, nil, nil,
		Options{Deadlines: Deadlines{
			Drift:         20 * time.Millisecond,
			Contradiction: 500 * time.Millisecond,
			Revision:      300 * time.Millisecond,
			Utility:       100 * time.Millisecond,
		}})
	m := testMutation()

	start := time.Now()
	out, err := pool.Evaluate(context.Background(), testTree(t), m)
	if err != nil {
		t.Fatalf("timeout must degrade, not reject: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("deadline not enforced: evaluation took %v", elapsed)
	}
	if len(out.Degraded) != 1 || out.Degraded[0] != "drift" {
		t.Fatalf("degraded = %v, want [drift]", out.Degraded)
	}
}

func TestEvaluateUpdatesEWMA(t *testing.T) {
	pool := NewPool(stubDrift{res: DriftResult{Magnitude: 1.0}}, nil, nil, nil, Options{})
	seed := pool.DriftEWMA()

	if _, err := pool.Evaluate(context.Background(), testTree(t), testMutation()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := pool.DriftEWMA(); got <= seed {
		t.Fatalf("EWMA %.3f did not move toward observed magnitude from seed %.3f", got, seed)
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	pool := NewPool(stubDrift{delay: time.Second}, nil, nil, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := pool.Evaluate(ctx, testTree(t), testMutation())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Evaluate error = %v, want context.Canceled", err)
	}
}
