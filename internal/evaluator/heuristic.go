package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"coherencebus/internal/types"
)

// The heuristic evaluators are the default capability implementations:
// deterministic, tree-local, and fast enough that their deadlines only matter
// under pathological load. They exist so the pipeline is fully functional
// without any model endpoint configured.

// negationMarkers flag tokens that tend to invert a statement's meaning.
var negationMarkers = map[string]bool{
	"no": true, "not": true, "never": true, "sin": true, "nunca": true,
}

// valueText flattens an arbitrary JSON value into comparable text.
func valueText(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, `.,;:"'()[]{}`)
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

// jaccard returns token-set similarity in [0,1]. Two empty sets are fully
// similar.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// previousText returns the committed text a mutation would replace, if any.
func previousText(tree *types.KnowledgeTree, m *types.Mutation) (string, bool) {
	d, ok := tree.Domains[m.TargetDomain()]
	if !ok {
		return "", false
	}
	field, hasField := m.TargetField()
	if !hasField {
		return "", false
	}
	f, ok := d.Fields[field]
	if !ok {
		return "", false
	}
	return valueText(f.Value), true
}

// =============================================================================
// DRIFT
// =============================================================================

// HeuristicDrift scores drift from token overlap with the replaced value.
// Additive changes (new fields, new domains) are inherently low-drift; a
// replacement's drift grows with how little it shares with what it replaces.
type HeuristicDrift struct{}

func (HeuristicDrift) Name() string { return "heuristic_drift" }

func (HeuristicDrift) Drift(_ context.Context, tree *types.KnowledgeTree, m *types.Mutation) (DriftResult, error) {
	switch m.Type {
	case types.MutationAddDomain:
		return DriftResult{Magnitude: 0.45, Explanation: "new domain extends the tree"}, nil
	case types.MutationRemoveField:
		if !m.FieldTargeted() {
			return DriftResult{Magnitude: 0.85, Explanation: "domain removal discards committed knowledge"}, nil
		}
		return DriftResult{Magnitude: 0.5, Explanation: "field removal discards a committed value"}, nil
	case types.MutationUpdateDomain:
		return DriftResult{Magnitude: 0.4, Explanation: "domain metadata update"}, nil
	}

	prev, existed := previousText(tree, m)
	if !existed {
		return DriftResult{Magnitude: 0.25, Explanation: "additive insight, no prior value displaced"}, nil
	}
	sim := jaccard(tokenize(prev), tokenize(valueText(m.NewValue)))
	mag := 0.9 * (1 - sim)
	return DriftResult{
		Magnitude:   mag,
		Explanation: fmt.Sprintf("replacement shares %.0f%% of tokens with prior value", sim*100),
	}, nil
}

// =============================================================================
// CONTRADICTION
// =============================================================================

// HeuristicContradiction flags replacements whose only lexical change is a
// negation of the committed value. Anything subtler is left to a model-backed
// variant; the default verdict is consistent with moderate confidence.
type HeuristicContradiction struct{}

func (HeuristicContradiction) Name() string { return "heuristic_contradiction" }

func (HeuristicContradiction) Contradict(_ context.Context, tree *types.KnowledgeTree, m *types.Mutation) (ContradictionResult, error) {
	prev, existed := previousText(tree, m)
	if !existed || m.Type == types.MutationRemoveField {
		return ContradictionResult{Verdict: VerdictConsistent, Confidence: 0.7}, nil
	}

	prevToks := tokenize(prev)
	newToks := tokenize(valueText(m.NewValue))

	var prevNeg, newNeg bool
	shared := 0
	for tok := range newToks {
		if negationMarkers[tok] {
			newNeg = true
			continue
		}
		if prevToks[tok] {
			shared++
		}
	}
	for tok := range prevToks {
		if negationMarkers[tok] {
			prevNeg = true
		}
	}

	// Same statement with flipped polarity: high-confidence contradiction.
	if newNeg != prevNeg && shared > 0 && shared >= (len(prevToks)+1)/2 {
		return ContradictionResult{
			Verdict:    VerdictContradicts,
			Confidence: 0.9,
			Evidence:   []string{fmt.Sprintf("negated restatement of %s", m.Target)},
		}, nil
	}
	return ContradictionResult{Verdict: VerdictConsistent, Confidence: 0.65}, nil
}

// =============================================================================
// BELIEF REVISION
// =============================================================================

// HeuristicRevision blends the proposed confidence with the prior field
// confidence on replacements, and caps machine-sourced confidence below
// certainty. The value itself is never rewritten.
type HeuristicRevision struct{}

func (HeuristicRevision) Name() string { return "heuristic_revision" }

func (HeuristicRevision) Revise(_ context.Context, tree *types.KnowledgeTree, m *types.Mutation) (RevisionResult, error) {
	conf := m.Confidence
	rationale := "identity"
	changed := false

	if m.Type == types.MutationUpdateField {
		if d, ok := tree.Domains[m.TargetDomain()]; ok {
			if field, hasField := m.TargetField(); hasField {
				if prior, ok := d.Fields[field]; ok {
					blended := 0.7*conf + 0.3*prior.Confidence
					if blended != conf {
						conf = blended
						rationale = fmt.Sprintf("blended with prior confidence %.2f", prior.Confidence)
						changed = true
					}
				}
			}
		}
	}
	if m.Source != "human" && conf > 0.95 {
		conf = 0.95
		rationale = "machine-sourced confidence capped at 0.95"
		changed = true
	}

	return RevisionResult{
		ApprovedValue: m.NewValue,
		Rationale:     rationale,
		NewConfidence: conf,
		Changed:       changed,
	}, nil
}

// =============================================================================
// UTILITY
// =============================================================================

// HeuristicUtility scores expected value from the proposal's confidence and
// its novelty: filling a gap is worth more than restating what is known.
type HeuristicUtility struct{}

func (HeuristicUtility) Name() string { return "heuristic_utility" }

func (HeuristicUtility) Utility(_ context.Context, tree *types.KnowledgeTree, m *types.Mutation) (UtilityResult, error) {
	novelty := 1.0
	if prev, existed := previousText(tree, m); existed {
		novelty = 1 - jaccard(tokenize(prev), tokenize(valueText(m.NewValue)))
		// Replacing a value is worth at least something when confidence rises.
		if novelty < 0.3 {
			novelty = 0.3
		}
	}
	score := 0.6*m.Confidence + 0.4*novelty
	return UtilityResult{
		Score: score,
		Features: map[string]float64{
			"confidence": m.Confidence,
			"novelty":    novelty,
		},
	}, nil
}
