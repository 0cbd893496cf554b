package orchestrator

import "sort"

// depGraph tracks dependsOn edges between worker ids. Edges point from a
// worker to the workers it waits on. The graph is guarded by the registry's
// lock; it has no locking of its own.
type depGraph struct {
	// edges[w] is the set of ids w depends on.
	edges map[string]map[string]bool
	// reverse[d] is the set of ids that depend on d.
	reverse map[string]map[string]bool
}

func newDepGraph() *depGraph {
	return &depGraph{
		edges:   make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
}

// add inserts a node with its dependencies. Callers validate existence and
// acyclicity first.
func (g *depGraph) add(id string, dependsOn []string) {
	if g.edges[id] == nil {
		g.edges[id] = make(map[string]bool)
	}
	for _, dep := range dependsOn {
		g.edges[id][dep] = true
		if g.reverse[dep] == nil {
			g.reverse[dep] = make(map[string]bool)
		}
		g.reverse[dep][id] = true
	}
}

// remove deletes a node and every edge touching it.
func (g *depGraph) remove(id string) {
	for dep := range g.edges[id] {
		delete(g.reverse[dep], id)
	}
	delete(g.edges, id)
	for dependent := range g.reverse[id] {
		delete(g.edges[dependent], id)
	}
	delete(g.reverse, id)
}

// dependenciesOf returns the sorted ids that id waits on.
func (g *depGraph) dependenciesOf(id string) []string {
	return sortedKeys(g.edges[id])
}

// dependentsOf returns the sorted ids waiting on id.
func (g *depGraph) dependentsOf(id string) []string {
	return sortedKeys(g.reverse[id])
}

// wouldCycle reports whether adding candidate with the given dependencies
// would create a cycle, using DFS three-colouring over the hypothetical
// graph. The returned path names the cycle when one exists.
func (g *depGraph) wouldCycle(candidate string, dependsOn []string) (bool, []string) {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	colour := make(map[string]int)
	var stack []string

	deps := func(id string) []string {
		if id == candidate {
			return dependsOn
		}
		return sortedKeys(g.edges[id])
	}

	var visit func(id string) bool
	visit = func(id string) bool {
		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range deps(id) {
			switch colour[dep] {
			case grey:
				stack = append(stack, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colour[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	if visit(candidate) {
		return true, append([]string(nil), stack...)
	}
	return false, nil
}

// topoOrder returns every node in dependency order: a worker appears after
// everything it depends on. The graph is acyclic by construction.
func (g *depGraph) topoOrder() []string {
	nodes := make(map[string]bool)
	for id := range g.edges {
		nodes[id] = true
	}
	for id := range g.reverse {
		nodes[id] = true
	}

	visited := make(map[string]bool)
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range sortedKeys(g.edges[id]) {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range sortedKeys(nodes) {
		visit(id)
	}
	return order
}

// roots returns the sorted nodes with no dependencies.
func (g *depGraph) roots() []string {
	nodes := make(map[string]bool)
	for id := range g.edges {
		if len(g.edges[id]) == 0 {
			nodes[id] = true
		}
	}
	for id := range g.reverse {
		if len(g.edges[id]) == 0 {
			nodes[id] = true
		}
	}
	return sortedKeys(nodes)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
