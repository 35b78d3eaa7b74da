package evaluator

import (
	"context"
	"testing"

	"coherencebus/internal/types"
)

// The embed call itself needs a live API; these cover everything in front of
// and behind it.

func TestGenAIDriftRequiresAPIKey(t *testing.T) {
	if _, err := NewGenAIDrift(context.Background(), "", "gemini-embedding-001"); err == nil {
		t.Fatal("NewGenAIDrift accepted an empty API key")
	}
}

// Additive mutations have no prior value to embed against, so the evaluator
// must answer with the heuristic magnitude without touching the API.
func TestGenAIDriftFreshFieldUsesHeuristic(t *testing.T) {
	g := &GenAIDrift{model: "gemini-embedding-001"}
	tree := heuristicTree()

	m := fieldMutation(types.MutationAddInsight, "MERCADO.canal_preferido", "distribuidores regionales", 0.8)
	res, err := g.Drift(context.Background(), tree, m)
	if err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if res.Magnitude != 0.25 {
		t.Fatalf("fresh-field drift = %.2f, want the additive 0.25", res.Magnitude)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 2}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("cosine = %v, want %v", got, tt.want)
			}
		})
	}
}
