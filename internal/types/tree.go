// Package types provides the shared data model for the Semantic Coherence Bus.
// This package exists to break import cycles between the store, pipeline, and
// projector packages. Types here are foundational data structures with no
// complex dependencies.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// KNOWLEDGE TREE
// =============================================================================

// DomainID identifies a domain in the knowledge tree.
type DomainID string

// The eight foundational domains. All must be present in every valid tree.
const (
	DomainOrganizacion  DomainID = "ORGANIZACION"
	DomainOferta        DomainID = "OFERTA"
	DomainMercado       DomainID = "MERCADO"
	DomainBuyerPersonas DomainID = "BUYER_PERSONAS"
	DomainObjetivos     DomainID = "OBJETIVOS"
	DomainPainPoints    DomainID = "PAIN_POINTS"
	DomainAIInsights    DomainID = "AI_INSIGHTS"
	DomainCompliance    DomainID = "COMPLIANCE"
)

// FoundationalDomains lists the required domain ids in canonical order.
var FoundationalDomains = []DomainID{
	DomainOrganizacion,
	DomainOferta,
	DomainMercado,
	DomainBuyerPersonas,
	DomainObjetivos,
	DomainPainPoints,
	DomainAIInsights,
	DomainCompliance,
}

// DomainType classifies what kind of knowledge a domain holds.
type DomainType string

const (
	TypeFoundational          DomainType = "foundational"
	TypeValueProposition      DomainType = "value_proposition"
	TypeMarketContext         DomainType = "market_context"
	TypeTargetAudience        DomainType = "target_audience"
	TypeGoalsMetrics          DomainType = "goals_metrics"
	TypeChallengesProblems    DomainType = "challenges_problems"
	TypeAIDerived             DomainType = "ai_derived"
	TypeConstraintsCompliance DomainType = "constraints_compliance"
)

// Valid reports whether t is a known domain type.
func (t DomainType) Valid() bool {
	switch t {
	case TypeFoundational, TypeValueProposition, TypeMarketContext,
		TypeTargetAudience, TypeGoalsMetrics, TypeChallengesProblems,
		TypeAIDerived, TypeConstraintsCompliance:
		return true
	}
	return false
}

// Criticality ranks how load-bearing a domain is.
type Criticality string

const (
	CriticalityHigh   Criticality = "high"
	CriticalityMedium Criticality = "medium"
	CriticalityLow    Criticality = "low"
)

// Valid reports whether c is a known criticality level.
func (c Criticality) Valid() bool {
	return c == CriticalityHigh || c == CriticalityMedium || c == CriticalityLow
}

// Floor returns the minimum confidence a domain of this criticality must hold.
func (c Criticality) Floor() float64 {
	switch c {
	case CriticalityHigh:
		return 0.8
	case CriticalityMedium:
		return 0.6
	default:
		return 0.4
	}
}

// Weight returns the criticality weight used by the coherence score.
func (c Criticality) Weight() float64 {
	switch c {
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	default:
		return 1
	}
}

// Field is a single named value inside a domain.
type Field struct {
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Tags       []string  `json:"tags,omitempty"`
}

// Domain is one branch of the knowledge tree.
type Domain struct {
	Type         DomainType       `json:"type"`
	Criticality  Criticality      `json:"criticality"`
	Owner        string           `json:"owner"`
	Dependencies []DomainID       `json:"dependencies"`
	Confidence   float64          `json:"confidence"`
	Tags         []string         `json:"tags,omitempty"`
	Fields       map[string]Field `json:"fields"`
}

// Clone returns a deep copy of the domain.
func (d Domain) Clone() Domain {
	out := d
	out.Dependencies = append([]DomainID(nil), d.Dependencies...)
	out.Tags = append([]string(nil), d.Tags...)
	out.Fields = make(map[string]Field, len(d.Fields))
	for name, f := range d.Fields {
		fc := f
		fc.Tags = append([]string(nil), f.Tags...)
		out.Fields[name] = fc
	}
	return out
}

// KnowledgeTree is the canonical, versioned mapping of domains.
type KnowledgeTree struct {
	Version        string              `json:"version"`
	LastUpdated    time.Time           `json:"last_updated"`
	ContextHash    string              `json:"context_hash"`
	CoherenceScore float64             `json:"coherence_score"`
	Domains        map[DomainID]Domain `json:"domains"`
}

// Clone returns a deep copy of the tree. The commit path works on a clone so
// a failed apply never touches the canonical tree.
func (t *KnowledgeTree) Clone() *KnowledgeTree {
	out := &KnowledgeTree{
		Version:        t.Version,
		LastUpdated:    t.LastUpdated,
		ContextHash:    t.ContextHash,
		CoherenceScore: t.CoherenceScore,
		Domains:        make(map[DomainID]Domain, len(t.Domains)),
	}
	for id, d := range t.Domains {
		out.Domains[id] = d.Clone()
	}
	return out
}

// Domain returns the named domain.
func (t *KnowledgeTree) Domain(id DomainID) (Domain, bool) {
	d, ok := t.Domains[id]
	return d, ok
}

// AvgConfidence returns the unweighted mean domain confidence.
func (t *KnowledgeTree) AvgConfidence() float64 {
	if len(t.Domains) == 0 {
		return 0
	}
	var sum float64
	for _, d := range t.Domains {
		sum += d.Confidence
	}
	return sum / float64(len(t.Domains))
}

// treeContent is the hashed subset of the tree. context_hash and
// coherence_score are derived values and must not feed their own digest.
type treeContent struct {
	Version     string              `json:"version"`
	LastUpdated time.Time           `json:"last_updated"`
	Domains     map[DomainID]Domain `json:"domains"`
}

// CanonicalContent returns the canonical JSON bytes of the tree contents
// (sorted keys, no insignificant whitespace, UTF-8). Two structurally equal
// trees always canonicalize to identical bytes.
func (t *KnowledgeTree) CanonicalContent() ([]byte, error) {
	b, err := CanonicalJSON(treeContent{
		Version:     t.Version,
		LastUpdated: t.LastUpdated,
		Domains:     t.Domains,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize tree: %w", err)
	}
	return b, nil
}

// ComputeHash returns the SHA-256 digest of the canonical tree contents.
func (t *KnowledgeTree) ComputeHash() (string, error) {
	b, err := t.CanonicalContent()
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Canonical returns canonical JSON bytes for the full tree record, including
// the derived fields. Used for snapshot payloads and fragment subsets.
func (t *KnowledgeTree) Canonical() ([]byte, error) {
	return CanonicalJSON(t)
}

// UnmarshalTree decodes a tree from JSON bytes.
func UnmarshalTree(b []byte) (*KnowledgeTree, error) {
	var t KnowledgeTree
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if t.Domains == nil {
		t.Domains = make(map[DomainID]Domain)
	}
	return &t, nil
}
