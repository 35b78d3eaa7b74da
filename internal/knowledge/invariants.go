package knowledge

import (
	"fmt"

	"coherencebus/internal/types"
)

// CheckInvariants verifies the five tree invariants that must hold after any
// commit. Returns the first violation found, nil when the tree is coherent.
// The commit path runs this as its final gate; the background audit re-runs
// it on the canonical tree at every snapshot.
func CheckInvariants(tree *types.KnowledgeTree, minScore float64, floor FloorFunc) *types.InvariantViolation {
	if floor == nil {
		floor = DefaultFloors
	}

	// 1. Coherence score.
	if score := ComputeScore(tree, floor); score < minScore {
		return &types.InvariantViolation{
			Which:  "coherence_score",
			Detail: fmt.Sprintf("score %.4f below minimum %.2f", score, minScore),
		}
	}

	// 2. Dependency graph acyclic and fully resolved.
	for id, d := range tree.Domains {
		for _, dep := range d.Dependencies {
			if _, ok := tree.Domains[dep]; !ok {
				return &types.InvariantViolation{
					Which:  "dependencies_resolved",
					Detail: fmt.Sprintf("%s depends on unknown domain %s", id, dep),
				}
			}
		}
	}
	if cycle := findCycle(tree); cycle != "" {
		return &types.InvariantViolation{
			Which:  "dependencies_acyclic",
			Detail: "cycle through " + cycle,
		}
	}

	// 3. Confidence floors.
	for id, d := range tree.Domains {
		if d.Confidence < floor(d.Criticality) {
			return &types.InvariantViolation{
				Which:  "confidence_floor",
				Detail: fmt.Sprintf("%s confidence %.2f below %s floor %.2f", id, d.Confidence, d.Criticality, floor(d.Criticality)),
			}
		}
	}

	// 4. All foundational domains present.
	for _, id := range types.FoundationalDomains {
		if _, ok := tree.Domains[id]; !ok {
			return &types.InvariantViolation{
				Which:  "foundational_present",
				Detail: fmt.Sprintf("missing foundational domain %s", id),
			}
		}
	}

	// 5. Context hash matches the canonical contents.
	hash, err := tree.ComputeHash()
	if err != nil {
		return &types.InvariantViolation{Which: "context_hash", Detail: err.Error()}
	}
	if tree.ContextHash != hash {
		return &types.InvariantViolation{
			Which:  "context_hash",
			Detail: fmt.Sprintf("stored %s != computed %s", tree.ContextHash, hash),
		}
	}

	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns a
// domain on a cycle, or "".
func findCycle(tree *types.KnowledgeTree) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[types.DomainID]int, len(tree.Domains))

	var visit func(id types.DomainID) string
	visit = func(id types.DomainID) string {
		color[id] = gray
		for _, dep := range tree.Domains[id].Dependencies {
			if _, ok := tree.Domains[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return string(dep)
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range tree.Domains {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
