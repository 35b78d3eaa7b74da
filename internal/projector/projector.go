// Package projector derives per-agent context fragments from applied commits.
// Each agent kind has a declarative projection spec; a commit whose diff
// intersects the spec yields exactly one fresh fragment, deduplicated by
// content hash against the last one emitted for that agent.
package projector

import (
	"sort"
	"strings"
	"sync"
	"time"

	"coherencebus/internal/knowledge"
	"coherencebus/internal/logging"
	"coherencebus/internal/types"
)

// FieldPredicate restricts which fields a projection carries. Zero value
// admits everything.
type FieldPredicate struct {
	// MinConfidence drops fields below this confidence.
	MinConfidence float64
	// RequireTags keeps only fields carrying at least one of these tags.
	RequireTags []string
}

func (p FieldPredicate) admits(f types.Field) bool {
	if f.Confidence < p.MinConfidence {
		return false
	}
	if len(p.RequireTags) == 0 {
		return true
	}
	for _, want := range p.RequireTags {
		for _, got := range f.Tags {
			if got == want {
				return true
			}
		}
	}
	return false
}

// Spec declares one agent's subset of the tree.
type Spec struct {
	Domains []types.DomainID
	Fields  FieldPredicate
}

func (s Spec) intersects(diff knowledge.Diff) bool {
	for _, changed := range diff.Domains {
		for _, id := range s.Domains {
			if id == changed {
				return true
			}
		}
	}
	return false
}

// DefaultSpecs maps every known agent kind to its domain subset.
func DefaultSpecs() map[types.AgentKind]Spec {
	return map[types.AgentKind]Spec{
		types.AgentOrganizacion: {
			Domains: []types.DomainID{types.DomainOrganizacion, types.DomainCompliance},
		},
		types.AgentOferta: {
			Domains: []types.DomainID{types.DomainOferta, types.DomainOrganizacion, types.DomainMercado},
		},
		types.AgentMercado: {
			Domains: []types.DomainID{types.DomainMercado, types.DomainAIInsights},
		},
		types.AgentBuyerPersonas: {
			Domains: []types.DomainID{types.DomainBuyerPersonas, types.DomainMercado, types.DomainPainPoints},
		},
		types.AgentPainPoints: {
			Domains: []types.DomainID{types.DomainPainPoints, types.DomainObjetivos},
		},
		types.AgentAIInsights: {
			Domains: []types.DomainID{types.DomainAIInsights, types.DomainMercado, types.DomainPainPoints},
		},
	}
}

// Projector materializes fragments. Safe for concurrent use; emissions are
// serialized so fragment versions stay monotonic per agent.
type Projector struct {
	specs map[types.AgentKind]Spec

	mu          sync.Mutex
	lastHash    map[types.AgentKind]string
	lastVersion map[types.AgentKind]uint64
}

// New builds a projector. Nil specs use the defaults.
func New(specs map[types.AgentKind]Spec) *Projector {
	if specs == nil {
		specs = DefaultSpecs()
	}
	return &Projector{
		specs:       specs,
		lastHash:    make(map[types.AgentKind]string),
		lastVersion: make(map[types.AgentKind]uint64),
	}
}

// Project computes the fragments an applied commit produces: one per agent
// whose spec intersects the diff, minus those whose content is unchanged
// since their last emission. Results are ordered by agent kind.
func (p *Projector) Project(commit *knowledge.CommitResult, m *types.Mutation) ([]*types.Fragment, error) {
	timer := logging.StartTimer(logging.CategoryProjector, "Project")
	defer timer.Stop()

	phase := phaseFor(m)
	now := time.Now().UTC()

	kinds := make([]types.AgentKind, 0, len(p.specs))
	for kind := range p.specs {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Fragment
	for _, kind := range kinds {
		spec := p.specs[kind]
		if !spec.intersects(commit.Diff) {
			continue
		}
		// A concurrent later commit already emitted for this agent; an older
		// fragment now would break per-agent monotonicity.
		if commit.Version < p.lastVersion[kind] {
			logging.Projector("skipping stale commit %d for %s (last %d)", commit.Version, kind, p.lastVersion[kind])
			continue
		}

		frag := p.materialize(kind, spec, commit, phase, now)
		hash, err := frag.ContentHash()
		if err != nil {
			return nil, err
		}
		if hash == p.lastHash[kind] {
			logging.Projector("deduped unchanged fragment for %s at commit %d", kind, commit.Version)
			continue
		}
		p.lastHash[kind] = hash
		p.lastVersion[kind] = commit.Version
		out = append(out, frag)
	}
	if len(out) > 0 {
		logging.Projector("commit %d produced %d fragments", commit.Version, len(out))
	}
	return out, nil
}

// materialize builds one agent's fragment from the committed tree.
func (p *Projector) materialize(kind types.AgentKind, spec Spec, commit *knowledge.CommitResult, phase types.Phase, now time.Time) *types.Fragment {
	subset := make(map[types.DomainID]types.Domain, len(spec.Domains))
	var deps []types.DomainID
	for _, id := range spec.Domains {
		d, ok := commit.Tree.Domains[id]
		if !ok {
			continue
		}
		deps = append(deps, id)
		dc := d.Clone()
		for name, f := range dc.Fields {
			if !spec.Fields.admits(f) {
				delete(dc.Fields, name)
			}
		}
		subset[id] = dc
	}

	return &types.Fragment{
		FragmentID:          types.NewFragmentID(),
		AgentKind:           kind,
		Phase:               phase,
		ContextSubset:       subset,
		CoherenceScore:      subsetScore(commit.Tree.CoherenceScore, subset),
		Dependencies:        deps,
		GeneratedAt:         now,
		ParentCommitVersion: commit.Version,
	}
}

// subsetScore inherits the tree score, lowered when the projected domains are
// locally weaker than the tree as a whole.
func subsetScore(treeScore float64, subset map[types.DomainID]types.Domain) float64 {
	if len(subset) == 0 {
		return treeScore
	}
	var weighted, weights float64
	for _, d := range subset {
		w := d.Criticality.Weight()
		weighted += w * d.Confidence
		weights += w
	}
	local := weighted / weights
	if local < treeScore {
		return local
	}
	return treeScore
}

// phaseFor derives the workflow phase from the mutation's source hints.
func phaseFor(m *types.Mutation) types.Phase {
	source := strings.ToLower(m.Source)
	switch {
	case strings.Contains(source, "discovery"):
		return types.PhaseDiscovery
	case strings.Contains(source, "planning"):
		return types.PhasePlanning
	case strings.Contains(source, "optimization"):
		return types.PhaseOptimization
	default:
		return types.PhaseExecution
	}
}
