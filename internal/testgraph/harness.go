package testgraph

import (
	"errors"
	"fmt"

	"github.com/flowcore/pipeline/internal/event"
)

// Failure modes a Test can surface.
var (
	// ErrEmptyOutputs is returned when a Test declares neither Outputs
	// nor NoOutputsFrom: there is nothing to assert.
	ErrEmptyOutputs = errors.New("testgraph: test declares no outputs and no no_outputs_from targets")
	// ErrMalformedInput is returned when a Test supplies no input events.
	ErrMalformedInput = errors.New("testgraph: test has no input events")
)

// MissingInputTargetError is returned when a Test's Input names a node
// absent from the graph.
type MissingInputTargetError struct{ Target string }

func (e *MissingInputTargetError) Error() string {
	return fmt.Sprintf("testgraph: input target %q not found in graph", e.Target)
}

// UnreachableOutputError is returned when a Test names an output or
// no_outputs_from target that no path from Input can reach.
type UnreachableOutputError struct{ Target string }

func (e *UnreachableOutputError) Error() string {
	return fmt.Sprintf("testgraph: output %q is not reachable from the test's input", e.Target)
}

// UnresolvedConditionError is returned when a captured output fails
// one of its declared conditions.
type UnresolvedConditionError struct {
	Test   string
	Output string
	Reason string
}

func (e *UnresolvedConditionError) Error() string {
	return fmt.Sprintf("testgraph: test %q output %q: %s", e.Test, e.Output, e.Reason)
}

// Test is one declarative configuration test.
type Test struct {
	Name   string
	Input  string
	Events []event.Event

	// Outputs maps an output (sink) node name to the conditions its
	// captured events must satisfy.
	Outputs map[string][]Condition
	// NoOutputsFrom names sink nodes that must capture zero events.
	NoOutputsFrom []string
}

func (t *Test) validate() error {
	if t.Input == "" {
		return &MissingInputTargetError{Target: ""}
	}
	if len(t.Events) == 0 {
		return ErrMalformedInput
	}
	if len(t.Outputs) == 0 && len(t.NoOutputsFrom) == 0 {
		return ErrEmptyOutputs
	}
	return nil
}

// Result is the outcome of running one Test.
type Result struct {
	Test    string
	Passed  bool
	Err     error
	Details []string
}

// Run executes every test against g: for each, it builds the reduced
// subgraph reachable from Input and leading to every named output,
// walks it breadth-first injecting Events at Input, and evaluates each
// output's conditions against what was captured there.
func Run(g *Graph, tests []Test) []Result {
	results := make([]Result, 0, len(tests))
	for _, test := range tests {
		results = append(results, runOne(g, test))
	}
	return results
}

func runOne(g *Graph, test Test) Result {
	if err := test.validate(); err != nil {
		return Result{Test: test.Name, Passed: false, Err: err}
	}

	leaves := make(map[string]bool, len(test.Outputs)+len(test.NoOutputsFrom))
	for name := range test.Outputs {
		leaves[name] = true
	}
	for _, name := range test.NoOutputsFrom {
		leaves[name] = true
	}

	reduced := g.reduce(leaves)

	if _, ok := reduced.Nodes[test.Input]; !ok {
		if _, existsInFull := g.Nodes[test.Input]; !existsInFull {
			return Result{Test: test.Name, Passed: false, Err: &MissingInputTargetError{Target: test.Input}}
		}
		return Result{Test: test.Name, Passed: false, Err: &UnreachableOutputError{Target: test.Input}}
	}
	reachable := map[string]bool{test.Input: true}
	for queue := []string{test.Input}; len(queue) > 0; queue = queue[1:] {
		node := reduced.Nodes[queue[0]]
		if node == nil {
			continue
		}
		for _, child := range node.Outputs {
			if !reachable[child] {
				reachable[child] = true
				queue = append(queue, child)
			}
		}
	}
	for name := range leaves {
		if _, ok := reduced.Nodes[name]; !ok || !reachable[name] {
			return Result{Test: test.Name, Passed: false, Err: &UnreachableOutputError{Target: name}}
		}
	}

	captured, err := reduced.walk(test.Input, test.Events)
	if err != nil {
		return Result{Test: test.Name, Passed: false, Err: err}
	}

	var details []string
	for name, conditions := range test.Outputs {
		got := captured[name]
		for _, cond := range conditions {
			if err := cond(got); err != nil {
				return Result{
					Test: test.Name, Passed: false,
					Err: &UnresolvedConditionError{Test: test.Name, Output: name, Reason: err.Error()},
				}
			}
		}
		details = append(details, fmt.Sprintf("%s: %d events, all conditions satisfied", name, len(got)))
	}
	for _, name := range test.NoOutputsFrom {
		if got := captured[name]; len(got) != 0 {
			return Result{
				Test: test.Name, Passed: false,
				Err: &UnresolvedConditionError{Test: test.Name, Output: name, Reason: fmt.Sprintf("expected no events, got %d", len(got))},
			}
		}
	}

	return Result{Test: test.Name, Passed: true, Details: details}
}
