// Package dagengine implements the pure, in-memory DAG algorithms a workflow
// engine needs: acyclicity validation via Kahn's algorithm, topological
// sort, downstream closure, and dependency-satisfaction evaluation. None of
// these functions mutate state or perform I/O — dag_engine.go
// builds and walks a graph inline inside Execute; this package splits that
// traversal logic out so internal/executor and internal/scheduler can reuse
// it against persisted runs instead of an in-memory Workflow value.
package dagengine

import (
	"fmt"

	"github.com/datapillar/job/internal/model"
)

// Node is the minimal shape dagengine needs: an identifier and nothing
// else. Callers adapt model.Job (plus the implicit start/end sentinels) to
// this before calling Validate.
type Node struct {
	ID string
}

// Edge is a directed dependency edge From -> To.
type Edge struct {
	From string
	To   string
}

// Graph is the adjacency representation Validate/DownstreamClosure
// operate over.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Validate runs Kahn's algorithm over the given node/edge set. It returns
// the topological order on success, or model.ErrCycleDetected if the queue
// is exhausted before every node is consumed. Validate never mutates its
// inputs.
func Validate(g Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	adj := make(map[string][]string, len(g.Nodes))
	known := make(map[string]bool, len(g.Nodes))

	for _, n := range g.Nodes {
		if known[n.ID] {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		known[n.ID] = true
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		if !known[e.From] {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		if !known[e.To] {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, model.ErrCycleDetected
	}
	return order, nil
}

// BuildGraph adapts a Workflow's jobs and dependencies (plus implicit
// start/end sentinels, when the caller includes them) into a Graph.
func BuildGraph(jobs []model.Job, deps []model.Dependency) Graph {
	g := Graph{Nodes: make([]Node, 0, len(jobs)), Edges: make([]Edge, 0, len(deps))}
	for _, j := range jobs {
		g.Nodes = append(g.Nodes, Node{ID: j.ID})
	}
	for _, d := range deps {
		g.Edges = append(g.Edges, Edge{From: d.FromJobID, To: d.ToJobID})
	}
	return g
}

// DownstreamClosure performs an iterative DFS over outgoing edges starting
// at jobID, restricted to edges within the graph. It returns node ids in
// dependency order (parents before children), used by "rerun from node" to
// decide what needs resetting. jobID itself is included as the first
// element.
func DownstreamClosure(g Graph, jobID string) []string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	visited := map[string]bool{}
	order := []string{}

	// Iterative DFS collects the reachable set; discovery order alone can
	// place a child ahead of one of its parents (a -> c, a -> b -> c), so the
	// set is re-emitted below in Validate's topological order.
	var stack []string
	stack = append(stack, jobID)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		order = append(order, n)
		children := adj[n]
		for i := len(children) - 1; i >= 0; i-- {
			if !visited[children[i]] {
				stack = append(stack, children[i])
			}
		}
	}

	topo, err := Validate(g)
	if err != nil {
		return order
	}
	sorted := make([]string, 0, len(order))
	for _, id := range topo {
		if visited[id] {
			sorted = append(sorted, id)
		}
	}
	if len(sorted) != len(order) {
		return order
	}
	return sorted
}

// ParentStatus is the minimal shape DependenciesSatisfied needs per parent
// edge: the dependency predicate and the parent JobRun's terminal status.
type ParentStatus struct {
	Type   model.DependencyType
	Status model.JobRunStatus
}

// DependenciesSatisfied reports true iff every incoming edge's predicate
// holds against its mapped parent's current status. Callers
// are responsible for the "one batch read" requirement — this function is
// pure and takes the already-loaded statuses.
func DependenciesSatisfied(parents []ParentStatus) bool {
	for _, p := range parents {
		if !p.Status.SatisfiesDependency(p.Type) {
			return false
		}
	}
	return true
}

// PermanentlyBlocked reports true iff at least one parent has reached a
// terminal status that can never satisfy its edge's predicate (e.g. a
// SUCCESS edge whose parent terminated failed). Such a JobRun should be
// transitioned waiting -> skipped rather than left waiting forever: the
// parent predicate is permanently unsatisfiable.
func PermanentlyBlocked(parents []ParentStatus) bool {
	for _, p := range parents {
		if !p.Status.IsTerminal() {
			continue
		}
		if !p.Status.SatisfiesDependency(p.Type) {
			return true
		}
	}
	return false
}
