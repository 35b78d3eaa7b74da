package knowledge

import (
	"coherencebus/internal/types"
)

// FloorFunc returns the confidence floor for a criticality level. The
// standard floors are high=0.8, medium=0.6, low=0.4; configuration may
// override them.
type FloorFunc func(types.Criticality) float64

// DefaultFloors uses the built-in criticality floors.
func DefaultFloors(c types.Criticality) float64 { return c.Floor() }

// ComputeScore returns the deterministic coherence score of a tree:
//
//	0.45·wconf + 0.25·deps + 0.20·floors + 0.10·foundation
//
// where wconf is the criticality-weighted mean confidence, deps the fraction
// of dependency edges resolving to existing domains, floors the fraction of
// domains meeting their confidence floor, and foundation the fraction of
// foundational domains present. Each factor only drops when an invariant
// degrades, so the score is monotone in invariant satisfaction.
func ComputeScore(tree *types.KnowledgeTree, floor FloorFunc) float64 {
	if len(tree.Domains) == 0 {
		return 0
	}
	if floor == nil {
		floor = DefaultFloors
	}

	var weightSum, weighted float64
	var edges, resolved int
	var floorsMet int
	for _, d := range tree.Domains {
		w := d.Criticality.Weight()
		weightSum += w
		weighted += w * d.Confidence
		if d.Confidence >= floor(d.Criticality) {
			floorsMet++
		}
		for _, dep := range d.Dependencies {
			edges++
			if _, ok := tree.Domains[dep]; ok {
				resolved++
			}
		}
	}

	wconf := weighted / weightSum
	deps := 1.0
	if edges > 0 {
		deps = float64(resolved) / float64(edges)
	}
	floors := float64(floorsMet) / float64(len(tree.Domains))

	present := 0
	for _, id := range types.FoundationalDomains {
		if _, ok := tree.Domains[id]; ok {
			present++
		}
	}
	foundation := float64(present) / float64(len(types.FoundationalDomains))

	return 0.45*wconf + 0.25*deps + 0.20*floors + 0.10*foundation
}
