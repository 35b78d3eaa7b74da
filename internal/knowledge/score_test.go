package knowledge

import (
	"math"
	"testing"

	"coherencebus/internal/types"
)

func TestComputeScoreBootstrap(t *testing.T) {
	tree, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Weighted confidence: (3(0.9+0.85+0.85) + 2(0.75+0.7+0.7+0.7) + 0.5) / 18
	// = 14/18. All other factors are 1.0 on a healthy bootstrap, so:
	// 0.45*(14/18) + 0.25 + 0.20 + 0.10 = 0.90.
	got := ComputeScore(tree, DefaultFloors)
	if math.Abs(got-0.90) > 1e-9 {
		t.Fatalf("bootstrap score = %v, want 0.90", got)
	}
}

func TestComputeScoreEmptyTree(t *testing.T) {
	tree := &types.KnowledgeTree{Domains: map[types.DomainID]types.Domain{}}
	if got := ComputeScore(tree, DefaultFloors); got != 0 {
		t.Fatalf("empty tree score = %v, want 0", got)
	}
}

func TestComputeScoreDegradesPerFactor(t *testing.T) {
	base, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	baseScore := ComputeScore(base, DefaultFloors)

	tests := []struct {
		name   string
		mutate func(*types.KnowledgeTree)
	}{
		{
			name: "unresolved dependency",
			mutate: func(tr *types.KnowledgeTree) {
				d := tr.Domains[types.DomainOferta]
				d.Dependencies = append(d.Dependencies, "GHOST")
				tr.Domains[types.DomainOferta] = d
			},
		},
		{
			name: "confidence below floor",
			mutate: func(tr *types.KnowledgeTree) {
				d := tr.Domains[types.DomainCompliance]
				d.Confidence = 0.5
				tr.Domains[types.DomainCompliance] = d
			},
		},
		{
			name: "foundational domain missing",
			mutate: func(tr *types.KnowledgeTree) {
				delete(tr.Domains, types.DomainAIInsights)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := base.Clone()
			tc.mutate(tr)
			if got := ComputeScore(tr, DefaultFloors); got >= baseScore {
				t.Fatalf("score %v did not drop below %v", got, baseScore)
			}
		})
	}
}

func TestComputeScoreMonotoneInConfidence(t *testing.T) {
	base, err := Bootstrap(DefaultFloors)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	baseScore := ComputeScore(base, DefaultFloors)

	up := base.Clone()
	d := up.Domains[types.DomainAIInsights]
	d.Confidence = 0.9
	up.Domains[types.DomainAIInsights] = d

	if got := ComputeScore(up, DefaultFloors); got < baseScore {
		t.Fatalf("raising a confidence lowered the score: %v -> %v", baseScore, got)
	}
}
