package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"coherencebus/internal/types"
)

// The dependency rules: transitive closure over depends_on edges, cycles as
// self-reachability, and edges pointing outside the declared domain set.
const depsSource = `
Decl domain(Id).
Decl depends_on(From, To).

reaches(From, To) :- depends_on(From, To).
reaches(From, To) :- depends_on(From, Mid), reaches(Mid, To).

in_cycle(Id) :- reaches(Id, Id).

missing_dep(From, To) :- depends_on(From, To), !domain(To).
`

var depsProgram *analysis.ProgramInfo

func init() {
	unit, err := parse.Unit(bytes.NewReader([]byte(depsSource)))
	if err != nil {
		panic(fmt.Sprintf("parse dependency rules: %v", err))
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		panic(fmt.Sprintf("analyze dependency rules: %v", err))
	}
	depsProgram = info
}

var (
	domainSym     = ast.PredicateSym{Symbol: "domain", Arity: 1}
	dependsOnSym  = ast.PredicateSym{Symbol: "depends_on", Arity: 2}
	inCycleSym    = ast.PredicateSym{Symbol: "in_cycle", Arity: 1}
	missingDepSym = ast.PredicateSym{Symbol: "missing_dep", Arity: 2}
)

type depEdge struct {
	from, to types.DomainID
}

// CheckDependencies evaluates the dependency rules against the graph the tree
// would have after applying the mutation. Returns UnknownDomain for an edge
// to a nonexistent domain, CyclicDependency when the graph gains a cycle.
func CheckDependencies(tree *types.KnowledgeTree, m *types.Mutation) *types.ValidationError {
	domains, edges := postMutationGraph(tree, m)

	store := factstore.NewSimpleInMemoryStore()
	for _, id := range domains {
		store.Add(ast.Atom{Predicate: domainSym, Args: []ast.BaseTerm{ast.String(string(id))}})
	}
	for _, e := range edges {
		store.Add(ast.Atom{Predicate: dependsOnSym, Args: []ast.BaseTerm{
			ast.String(string(e.from)), ast.String(string(e.to)),
		}})
	}

	if _, err := mengine.EvalProgramWithStats(depsProgram, store); err != nil {
		return types.NewValidationError(types.SchemaInvalid, "dependency analysis: %v", err)
	}

	var missing []string
	_ = store.GetFacts(ast.NewQuery(missingDepSym), func(atom ast.Atom) error {
		missing = append(missing, fmt.Sprintf("%s -> %s", constString(atom.Args[0]), constString(atom.Args[1])))
		return nil
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return types.NewValidationError(types.UnknownDomain, "unresolved dependency %s", missing[0])
	}

	var cyclic []string
	_ = store.GetFacts(ast.NewQuery(inCycleSym), func(atom ast.Atom) error {
		cyclic = append(cyclic, constString(atom.Args[0]))
		return nil
	})
	if len(cyclic) > 0 {
		sort.Strings(cyclic)
		return types.NewValidationError(types.CyclicDependency, "cycle through %s", cyclic[0])
	}
	return nil
}

// postMutationGraph projects the dependency graph the mutation would produce.
// Only AddDomain and UpdateDomain change edges; everything else sees the
// current graph unchanged.
func postMutationGraph(tree *types.KnowledgeTree, m *types.Mutation) ([]types.DomainID, []depEdge) {
	deps := make(map[types.DomainID][]types.DomainID, len(tree.Domains)+1)
	for id, d := range tree.Domains {
		deps[id] = d.Dependencies
	}

	target := m.TargetDomain()
	switch m.Type {
	case types.MutationAddDomain:
		var d struct {
			Dependencies []types.DomainID `json:"dependencies"`
		}
		if raw, err := json.Marshal(m.NewValue); err == nil {
			_ = json.Unmarshal(raw, &d)
		}
		deps[target] = d.Dependencies
	case types.MutationUpdateDomain:
		var patch struct {
			Dependencies []types.DomainID `json:"dependencies"`
		}
		if raw, err := json.Marshal(m.NewValue); err == nil {
			_ = json.Unmarshal(raw, &patch)
		}
		if patch.Dependencies != nil {
			deps[target] = patch.Dependencies
		}
	case types.MutationRemoveField:
		if !m.FieldTargeted() {
			delete(deps, target)
		}
	}

	domains := make([]types.DomainID, 0, len(deps))
	var edges []depEdge
	for id, ds := range deps {
		domains = append(domains, id)
		for _, to := range ds {
			edges = append(edges, depEdge{from: id, to: to})
		}
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})
	return domains, edges
}

func constString(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		return c.Symbol
	}
	return fmt.Sprintf("%v", term)
}
