package evaluator

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"

	"coherencebus/internal/types"
)

// GenAIDrift measures drift as embedding distance between the committed value
// and the proposed one. Selected with `evaluator.drift.provider: genai`; the
// heuristic evaluator remains the default, so the core never requires an API
// key.
type GenAIDrift struct {
	client *genai.Client
	model  string
}

// NewGenAIDrift builds the embedding-backed drift evaluator.
func NewGenAIDrift(ctx context.Context, apiKey, model string) (*GenAIDrift, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai drift evaluator requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIDrift{client: client, model: model}, nil
}

func (g *GenAIDrift) Name() string { return "genai_drift:" + g.model }

// Drift embeds the prior and proposed values and returns 1 - cosine
// similarity. Additive changes fall back to the heuristic magnitude since
// there is nothing to compare against.
func (g *GenAIDrift) Drift(ctx context.Context, tree *types.KnowledgeTree, m *types.Mutation) (DriftResult, error) {
	prev, existed := previousText(tree, m)
	if !existed {
		return HeuristicDrift{}.Drift(ctx, tree, m)
	}

	vecs, err := g.embed(ctx, []string{prev, valueText(m.NewValue)})
	if err != nil {
		return DriftResult{}, fmt.Errorf("%w: %v", types.ErrEvaluatorTimeout, err)
	}
	sim := cosine(vecs[0], vecs[1])
	return DriftResult{
		Magnitude:   1 - sim,
		Explanation: fmt.Sprintf("embedding similarity %.3f against committed value", sim),
	}, nil
}

func (g *GenAIDrift) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
