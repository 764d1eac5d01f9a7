package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the module dependency DAG of one deployment. Edges point from a
// module to the modules it depends on. Ordering is fully deterministic:
// ties between ready modules break on declaration order.
type Graph struct {
	modules []*Module
	index   map[string]*Module
	// order maps module name to declaration position, the tie-breaker.
	order map[string]int
	// edges maps module name to its dependency module names, sorted.
	edges map[string][]string
}

// BuildGraph constructs the dependency graph for a set of modules and
// validates it: module names must be unique, every dependency edge must
// point at a declared module, every output reference must name a logical
// output the target kind actually exposes, and the graph must be acyclic.
func BuildGraph(modules []*Module) (*Graph, error) {
	g := &Graph{
		modules: modules,
		index:   make(map[string]*Module, len(modules)),
		order:   make(map[string]int, len(modules)),
		edges:   make(map[string][]string, len(modules)),
	}

	var violations []string
	for i, m := range modules {
		if _, dup := g.index[m.Name]; dup {
			violations = append(violations, fmt.Sprintf("duplicate module name %q", m.Name))
			continue
		}
		g.index[m.Name] = m
		g.order[m.Name] = i
	}
	if len(violations) > 0 {
		return nil, NewValidationError("deployment", violations)
	}

	for _, m := range modules {
		if err := g.validateReferences(m); err != nil {
			return nil, err
		}
		deps, err := m.DependencyModules()
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, ok := g.index[dep]; !ok {
				return nil, NewReferenceError(m.Name, dep,
					fmt.Sprintf("depends on undeclared module %q", dep))
			}
		}
		g.edges[m.Name] = deps
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewCyclicDependencyError(cycle)
	}
	return g, nil
}

// validateReferences checks that every output reference in the module's
// descriptors names an output the target module's kinds can provide.
func (g *Graph) validateReferences(m *Module) error {
	refs, err := m.References()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Module == m.Name {
			return NewReferenceError(m.Name, ref.String(), "module cannot reference its own outputs")
		}
		target, ok := g.index[ref.Module]
		if !ok {
			return NewReferenceError(m.Name, ref.String(),
				fmt.Sprintf("references undeclared module %q", ref.Module))
		}
		found := false
		for _, d := range target.Descriptors {
			if KindHasOutput(d.Kind, ref.Output) {
				found = true
				break
			}
		}
		if !found {
			return NewReferenceError(m.Name, ref.String(),
				fmt.Sprintf("module %q exposes no output named %q", ref.Module, ref.Output))
		}
	}
	return nil
}

// Module returns a module by name, or nil.
func (g *Graph) Module(name string) *Module {
	return g.index[name]
}

// Modules returns the modules in declaration order.
func (g *Graph) Modules() []*Module {
	return g.modules
}

// Dependencies returns the sorted dependency module names of a module.
func (g *Graph) Dependencies(name string) []string {
	return g.edges[name]
}

// Dependents returns the sorted names of modules that depend on name.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for mod, deps := range g.edges {
		for _, dep := range deps {
			if dep == name {
				out = append(out, mod)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns module names in apply order using Kahn's
// algorithm. Among modules whose dependencies are all satisfied, the one
// declared first goes first, so the order is stable across runs.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.modules))
	dependents := make(map[string][]string, len(g.modules))
	for _, m := range g.modules {
		indegree[m.Name] = len(g.edges[m.Name])
		for _, dep := range g.edges[m.Name] {
			dependents[dep] = append(dependents[dep], m.Name)
		}
	}

	var ready []string
	for _, m := range g.modules {
		if indegree[m.Name] == 0 {
			ready = append(ready, m.Name)
		}
	}

	order := make([]string, 0, len(g.modules))
	for len(ready) > 0 {
		// Pick the earliest-declared ready module.
		best := 0
		for i := 1; i < len(ready); i++ {
			if g.order[ready[i]] < g.order[ready[best]] {
				best = i
			}
		}
		name := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, name)

		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// ReverseTopologicalOrder returns module names in destroy order:
// dependents before their dependencies.
func (g *Graph) ReverseTopologicalOrder() []string {
	order := g.TopologicalOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// findCycle returns one dependency cycle as a module name sequence
// (first name repeated at the end), or nil if the graph is acyclic.
// Depth-first search with a three-color marking.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.modules))
	parent := make(map[string]string, len(g.modules))

	var cycle []string
	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, dep := range g.edges[name] {
			switch color[dep] {
			case white:
				parent[dep] = name
				if visit(dep) {
					return true
				}
			case gray:
				// Walk parents back from name to dep to name the cycle.
				cycle = []string{dep}
				for cur := name; cur != dep; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				// Reverse so the cycle reads in edge direction.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				cycle = append(cycle, dep)
				return true
			}
		}
		color[name] = black
		return false
	}

	for _, m := range g.modules {
		if color[m.Name] == white {
			if visit(m.Name) {
				return cycle
			}
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format for inspection.
func (g *Graph) ToDOT() string {
	var b strings.Builder
	b.WriteString("digraph deployment {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range g.TopologicalOrder() {
		m := g.index[name]
		kinds := make([]string, 0, len(m.Descriptors))
		for _, d := range m.Descriptors {
			kinds = append(kinds, string(d.Kind))
		}
		b.WriteString(fmt.Sprintf("  %q [label=%q];\n", name, name+"\\n"+strings.Join(kinds, ", ")))
	}
	b.WriteString("\n")
	for _, name := range g.TopologicalOrder() {
		for _, dep := range g.edges[name] {
			b.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, name))
		}
	}
	b.WriteString("}\n")
	return b.String()
}
