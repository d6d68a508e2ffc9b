package graph

import (
	"fmt"
)

// GraphError is a structural defect (cycle, duplicate id, unresolved
// dependency). It is fatal and raised before any stage executes.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string {
	return "graph: " + e.Msg
}

// node is the arena representation of one stage: specs live in an indexed
// slice and dependency edges are index pairs, so the graph holds no
// pointer cycles.
type node struct {
	spec StageSpec
	deps []int
}

// Graph is a validated, topologically ordered stage DAG.
type Graph struct {
	nodes []node
	byID  map[string]int
	// topo is a topological order with declaration-order tie-breaking.
	topo []int
}

// Build validates the registered stages into an executable graph.
func Build(reg *Registry) (*Graph, error) {
	specs := reg.Specs()
	if len(specs) == 0 {
		return nil, &GraphError{Msg: "no stages registered"}
	}

	byID := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, &GraphError{Msg: fmt.Sprintf("stage at index %d has empty id", i)}
		}
		if spec.Executor == nil {
			return nil, &GraphError{Msg: fmt.Sprintf("stage %s has no executor", spec.ID)}
		}
		if _, dup := byID[spec.ID]; dup {
			return nil, &GraphError{Msg: fmt.Sprintf("duplicate stage id %s", spec.ID)}
		}
		byID[spec.ID] = i
	}

	nodes := make([]node, len(specs))
	for i, spec := range specs {
		deps := make([]int, 0, len(spec.DependsOn))
		for _, depID := range spec.DependsOn {
			j, ok := byID[depID]
			if !ok {
				return nil, &GraphError{Msg: fmt.Sprintf("stage %s depends on unknown stage %s", spec.ID, depID)}
			}
			if j == i {
				return nil, &GraphError{Msg: fmt.Sprintf("stage %s depends on itself", spec.ID)}
			}
			deps = append(deps, j)
		}
		nodes[i] = node{spec: spec, deps: deps}
	}

	g := &Graph{nodes: nodes, byID: byID}
	if cycle := g.findCycle(); cycle != "" {
		return nil, &GraphError{Msg: "dependency cycle through stage " + cycle}
	}
	g.topo = g.topoOrder()
	return g, nil
}

const (
	white = 0 // unvisited
	gray  = 1 // on the current DFS path
	black = 2 // fully explored
)

// findCycle runs DFS coloring over node indices and returns the id of a
// stage on a cycle, or "".
func (g *Graph) findCycle() string {
	color := make([]int, len(g.nodes))

	var visit func(i int) string
	visit = func(i int) string {
		color[i] = gray
		for _, j := range g.nodes[i].deps {
			switch color[j] {
			case gray:
				return g.nodes[j].spec.ID
			case white:
				if id := visit(j); id != "" {
					return id
				}
			}
		}
		color[i] = black
		return ""
	}

	for i := range g.nodes {
		if color[i] == white {
			if id := visit(i); id != "" {
				return id
			}
		}
	}
	return ""
}

// topoOrder returns node indices such that every stage appears after its
// dependencies; among simultaneously eligible stages, declaration order
// decides. This is the sequential execution order and the parallel
// dispatch preference.
func (g *Graph) topoOrder() []int {
	indegree := make([]int, len(g.nodes))
	for i := range g.nodes {
		indegree[i] = len(g.nodes[i].deps)
	}
	dependents := make([][]int, len(g.nodes))
	for i := range g.nodes {
		for _, j := range g.nodes[i].deps {
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	done := make([]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		// Lowest declaration index among ready nodes. O(n^2) overall, which
		// is fine at pipeline scale and keeps the tie-break obvious.
		for i := range g.nodes {
			if !done[i] && indegree[i] == 0 {
				done[i] = true
				order = append(order, i)
				for _, dep := range dependents[i] {
					indegree[dep]--
				}
				break
			}
		}
	}
	return order
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.nodes) }

// StageIDs returns all stage ids in declaration order.
func (g *Graph) StageIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.spec.ID
	}
	return ids
}
