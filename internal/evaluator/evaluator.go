// Package evaluator implements the evaluator pool: four pluggable
// capabilities (drift, contradiction, belief revision, utility) coordinated
// with per-capability deadlines, circuit breakers, and a partial-failure
// policy that degrades to conservative defaults.
package evaluator

import (
	"context"

	"coherencebus/internal/types"
)

// DriftResult reports how far a mutation moves the tree from its current
// semantic position.
type DriftResult struct {
	Magnitude   float64 `json:"magnitude"`
	Explanation string  `json:"explanation"`
}

// Verdict is the contradiction evaluator's conclusion.
type Verdict string

const (
	VerdictContradicts  Verdict = "contradicts"
	VerdictConsistent   Verdict = "not_contradicting"
	VerdictInconclusive Verdict = "inconclusive"
)

// ContradictionResult reports whether a mutation conflicts with existing
// knowledge.
type ContradictionResult struct {
	Verdict    Verdict  `json:"verdict"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// RevisionResult carries the belief reviser's possibly-adjusted proposal.
// Changed is false for an identity revision.
type RevisionResult struct {
	ApprovedValue any     `json:"approved_value"`
	Rationale     string  `json:"rationale"`
	NewConfidence float64 `json:"new_confidence"`
	Changed       bool    `json:"changed"`
}

// UtilityResult scores how much the mutation is expected to improve the tree.
type UtilityResult struct {
	Score    float64            `json:"score"`
	Features map[string]float64 `json:"features,omitempty"`
}

// The four capabilities. Implementations must be safe for concurrent use and
// honor ctx deadlines; the pool enforces them regardless.

// DriftEvaluator measures semantic displacement.
type DriftEvaluator interface {
	Name() string
	Drift(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (DriftResult, error)
}

// ContradictionEvaluator detects conflicts with committed knowledge.
type ContradictionEvaluator interface {
	Name() string
	Contradict(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (ContradictionResult, error)
}

// RevisionEvaluator may adjust the proposed value or confidence before
// commit. A revised mutation re-enters validation exactly once.
type RevisionEvaluator interface {
	Name() string
	Revise(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (RevisionResult, error)
}

// UtilityEvaluator predicts the value of applying the mutation.
type UtilityEvaluator interface {
	Name() string
	Utility(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (UtilityResult, error)
}
