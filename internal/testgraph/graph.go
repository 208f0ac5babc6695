// Package testgraph implements a declarative configuration test
// harness: given a transform graph and a list of declarative
// tests, it builds the reduced subgraph reachable from each test's
// input and leading to its named outputs, injects synthetic events,
// walks the graph breadth-first applying each transform, and evaluates
// declarative conditions against what each output captured.
package testgraph

import (
	"github.com/flowcore/pipeline/internal/event"
)

// TransformFunc is the harness-visible shape every transform exposes:
// append whatever it produces for in into out.
type TransformFunc func(out *[]event.Event, in event.Event)

// Node is one transform in the graph, named for declarative test
// input/output references.
type Node struct {
	Name      string
	Transform TransformFunc
	// Outputs names the downstream nodes that receive this node's
	// produced events. A node with no Outputs is a sink: the harness
	// captures whatever it produces as that node's test output.
	Outputs []string
}

// Graph is a named set of transform nodes.
type Graph struct {
	Nodes map[string]*Node
}

// NewGraph builds a Graph from nodes, indexed by name.
func NewGraph(nodes ...*Node) *Graph {
	g := &Graph{Nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		g.Nodes[n.Name] = n
	}
	return g
}

// reduce returns a copy of g containing exactly the nodes that lead
// (via some path through Outputs) to one of leaves, plus the leaves
// themselves. Unreachable nodes are dropped entirely and unmarked
// children are removed from their parents' output lists, so a test
// only ever exercises the portion of the graph relevant to it.
func (g *Graph) reduce(leaves map[string]bool) *Graph {
	marked := make(map[string]bool, len(g.Nodes))
	visiting := make(map[string]bool, len(g.Nodes))

	var linksToLeaf func(name string) bool
	linksToLeaf = func(name string) bool {
		if m, ok := marked[name]; ok {
			return m
		}
		if visiting[name] {
			// Cycle: treat as not-a-new-leaf-path to avoid infinite
			// recursion; any leaf reachable via a non-cyclic path was
			// already found by another branch of the DFS.
			return false
		}
		visiting[name] = true
		defer delete(visiting, name)

		if leaves[name] {
			marked[name] = true
			return true
		}
		node, ok := g.Nodes[name]
		if !ok {
			marked[name] = false
			return false
		}
		reaches := false
		for _, child := range node.Outputs {
			if linksToLeaf(child) {
				reaches = true
			}
		}
		marked[name] = reaches
		return reaches
	}

	for name := range g.Nodes {
		linksToLeaf(name)
	}

	reduced := &Graph{Nodes: make(map[string]*Node)}
	for name, keep := range marked {
		if !keep {
			continue
		}
		orig, ok := g.Nodes[name]
		if !ok {
			continue
		}
		trimmedOutputs := make([]string, 0, len(orig.Outputs))
		for _, child := range orig.Outputs {
			if marked[child] {
				trimmedOutputs = append(trimmedOutputs, child)
			}
		}
		reduced.Nodes[name] = &Node{Name: orig.Name, Transform: orig.Transform, Outputs: trimmedOutputs}
	}
	return reduced
}

type frontierItem struct {
	node string
	ev   event.Event
}

// walk breadth-first applies each node's transform starting from the
// input node's injected events, routing produced events to each
// node's Outputs, and capturing events delivered to sink nodes (those
// with no Outputs) keyed by sink name.
func (g *Graph) walk(input string, events []event.Event) (map[string][]event.Event, error) {
	if _, ok := g.Nodes[input]; !ok {
		return nil, &MissingInputTargetError{Target: input}
	}

	captured := make(map[string][]event.Event)
	queue := make([]frontierItem, 0, len(events))
	for _, ev := range events {
		queue = append(queue, frontierItem{node: input, ev: ev})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		node := g.Nodes[item.node]
		if node == nil {
			continue
		}

		var produced []event.Event
		node.Transform(&produced, item.ev)

		if len(node.Outputs) == 0 {
			captured[item.node] = append(captured[item.node], produced...)
			continue
		}
		for _, child := range node.Outputs {
			for _, ev := range produced {
				queue = append(queue, frontierItem{node: child, ev: ev})
			}
		}
	}
	return captured, nil
}
