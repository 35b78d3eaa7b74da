package knowledge

import (
	"time"

	"coherencebus/internal/types"
)

// Bootstrap returns the initial knowledge tree: all eight foundational
// domains seeded with confidences above their floors. The derived fields
// (hash, score) are computed before returning.
func Bootstrap(floor FloorFunc) (*types.KnowledgeTree, error) {
	now := time.Now().UTC()
	seed := func(name, value string, conf float64) map[string]types.Field {
		return map[string]types.Field{
			name: {Value: value, Confidence: conf, Source: "bootstrap", Timestamp: now},
		}
	}

	tree := &types.KnowledgeTree{
		Version:     "1.0.0",
		LastUpdated: now,
		Domains: map[types.DomainID]types.Domain{
			types.DomainOrganizacion: {
				Type:        types.TypeFoundational,
				Criticality: types.CriticalityHigh,
				Owner:       "core",
				Confidence:  0.9,
				Fields:      seed("nombre", "unset", 0.9),
			},
			types.DomainOferta: {
				Type:         types.TypeValueProposition,
				Criticality:  types.CriticalityHigh,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainOrganizacion},
				Confidence:   0.85,
				Fields:       seed("propuesta_valor", "unset", 0.85),
			},
			types.DomainMercado: {
				Type:         types.TypeMarketContext,
				Criticality:  types.CriticalityMedium,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainOrganizacion},
				Confidence:   0.75,
				Fields:       seed("segmento", "unset", 0.75),
			},
			types.DomainBuyerPersonas: {
				Type:         types.TypeTargetAudience,
				Criticality:  types.CriticalityMedium,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainMercado},
				Confidence:   0.7,
				Fields:       seed("persona_principal", "unset", 0.7),
			},
			types.DomainObjetivos: {
				Type:         types.TypeGoalsMetrics,
				Criticality:  types.CriticalityMedium,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainOrganizacion, types.DomainOferta},
				Confidence:   0.7,
				Fields:       seed("objetivo_principal", "unset", 0.7),
			},
			types.DomainPainPoints: {
				Type:         types.TypeChallengesProblems,
				Criticality:  types.CriticalityMedium,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainBuyerPersonas},
				Confidence:   0.7,
				Fields:       seed("problemas_actuales", "unset", 0.7),
			},
			types.DomainAIInsights: {
				Type:         types.TypeAIDerived,
				Criticality:  types.CriticalityLow,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainMercado, types.DomainPainPoints},
				Confidence:   0.5,
				Fields:       seed("insight_inicial", "unset", 0.5),
			},
			types.DomainCompliance: {
				Type:         types.TypeConstraintsCompliance,
				Criticality:  types.CriticalityHigh,
				Owner:        "core",
				Dependencies: []types.DomainID{types.DomainOrganizacion},
				Confidence:   0.85,
				Fields:       seed("marco_regulatorio", "unset", 0.85),
			},
		},
	}

	hash, err := tree.ComputeHash()
	if err != nil {
		return nil, err
	}
	tree.ContextHash = hash
	tree.CoherenceScore = ComputeScore(tree, floor)
	return tree, nil
}
