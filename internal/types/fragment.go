package types

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// FRAGMENTS
// =============================================================================

// AgentKind identifies a known fragment consumer.
type AgentKind string

const (
	AgentOrganizacion  AgentKind = "organizacion"
	AgentOferta        AgentKind = "oferta"
	AgentMercado       AgentKind = "mercado"
	AgentBuyerPersonas AgentKind = "buyer_personas"
	AgentPainPoints    AgentKind = "pain_points"
	AgentAIInsights    AgentKind = "ai_insights"
)

// KnownAgents lists every consumer the projector materializes fragments for.
var KnownAgents = []AgentKind{
	AgentOrganizacion,
	AgentOferta,
	AgentMercado,
	AgentBuyerPersonas,
	AgentPainPoints,
	AgentAIInsights,
}

// Phase tags which stage of the consumer workflow a fragment targets.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhasePlanning     Phase = "planning"
	PhaseExecution    Phase = "execution"
	PhaseOptimization Phase = "optimization"
)

// Fragment is a per-agent projection of the tree, emitted on each relevant
// commit. Fragments are never mutated in place; a newer fragment supersedes
// the previous one for the same agent.
type Fragment struct {
	FragmentID          string              `json:"fragment_id"`
	AgentKind           AgentKind           `json:"agent_kind"`
	Phase               Phase               `json:"phase"`
	ContextSubset       map[DomainID]Domain `json:"context_subset"`
	CoherenceScore      float64             `json:"coherence_score"`
	Dependencies        []DomainID          `json:"dependencies"`
	GeneratedAt         time.Time           `json:"generated_at"`
	ParentCommitVersion uint64              `json:"parent_commit_version"`
}

// NewFragmentID mints a fresh fragment id.
func NewFragmentID() string {
	return "frag-" + uuid.NewString()
}

// ContentHash digests the projection payload (subset + dependencies), ignoring
// the id and timestamps, so identical projections dedupe across commits.
func (f *Fragment) ContentHash() (string, error) {
	return HashValue(struct {
		AgentKind     AgentKind           `json:"agent_kind"`
		ContextSubset map[DomainID]Domain `json:"context_subset"`
		Dependencies  []DomainID          `json:"dependencies"`
	}{f.AgentKind, f.ContextSubset, f.Dependencies})
}
