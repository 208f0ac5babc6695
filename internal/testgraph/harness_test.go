package testgraph

import (
	"testing"

	"github.com/flowcore/pipeline/internal/event"
)

func uppercase(out *[]event.Event, in event.Event) {
	if in.Log == nil {
		return
	}
	msg, _ := in.Log.Message()
	l := &event.Log{Fields: []event.LogField{{Key: "message", Value: msg + "!"}}}
	*out = append(*out, event.NewLog(l))
}

func passthrough(out *[]event.Event, in event.Event) {
	*out = append(*out, in)
}

func dropAll(out *[]event.Event, in event.Event) {}

func logMsg(msg string) event.Event {
	return event.NewLog(&event.Log{Fields: []event.LogField{{Key: "message", Value: msg}}})
}

func TestHarnessSimpleChain(t *testing.T) {
	g := NewGraph(
		&Node{Name: "in", Transform: uppercase, Outputs: []string{"out"}},
		&Node{Name: "out", Transform: passthrough},
	)

	results := Run(g, []Test{
		{
			Name:   "exclaims the message",
			Input:  "in",
			Events: []event.Event{logMsg("hello")},
			Outputs: map[string][]Condition{
				"out": {ConditionMessageEquals("hello!")},
			},
		},
	})

	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("unexpected result: %+v", results)
	}
}

func TestHarnessGraphReductionDropsUnrelatedBranch(t *testing.T) {
	g := NewGraph(
		&Node{Name: "in", Transform: passthrough, Outputs: []string{"wanted", "unrelated"}},
		&Node{Name: "wanted", Transform: passthrough},
		&Node{Name: "unrelated", Transform: passthrough},
	)

	results := Run(g, []Test{
		{
			Name:   "only wanted is asserted",
			Input:  "in",
			Events: []event.Event{logMsg("x")},
			Outputs: map[string][]Condition{
				"wanted": {ConditionCount(1)},
			},
		},
	})
	if !results[0].Passed {
		t.Fatalf("expected pass, got %+v", results[0])
	}
}

func TestHarnessMissingInputTarget(t *testing.T) {
	g := NewGraph(&Node{Name: "out", Transform: passthrough})

	results := Run(g, []Test{
		{
			Name:    "bad input",
			Input:   "nonexistent",
			Events:  []event.Event{logMsg("x")},
			Outputs: map[string][]Condition{"out": {ConditionCount(1)}},
		},
	})
	if results[0].Passed {
		t.Fatalf("expected failure for missing input target")
	}
	var target *MissingInputTargetError
	if !errorsAs(results[0].Err, &target) {
		t.Fatalf("expected MissingInputTargetError, got %v", results[0].Err)
	}
}

func TestHarnessUnreachableOutput(t *testing.T) {
	g := NewGraph(
		&Node{Name: "in", Transform: passthrough, Outputs: []string{"a"}},
		&Node{Name: "a", Transform: passthrough},
		&Node{Name: "b", Transform: passthrough},
	)

	results := Run(g, []Test{
		{
			Name:    "b is unreachable from in",
			Input:   "in",
			Events:  []event.Event{logMsg("x")},
			Outputs: map[string][]Condition{"b": {ConditionCount(1)}},
		},
	})
	if results[0].Passed {
		t.Fatalf("expected failure for unreachable output")
	}
}

func TestHarnessNoOutputsFrom(t *testing.T) {
	g := NewGraph(
		&Node{Name: "in", Transform: dropAll, Outputs: []string{"out"}},
		&Node{Name: "out", Transform: passthrough},
	)

	results := Run(g, []Test{
		{
			Name:          "dropped entirely",
			Input:         "in",
			Events:        []event.Event{logMsg("x")},
			NoOutputsFrom: []string{"out"},
		},
	})
	if !results[0].Passed {
		t.Fatalf("expected pass, got %+v", results[0])
	}
}

func TestHarnessUnresolvedCondition(t *testing.T) {
	g := NewGraph(
		&Node{Name: "in", Transform: passthrough, Outputs: []string{"out"}},
		&Node{Name: "out", Transform: passthrough},
	)

	results := Run(g, []Test{
		{
			Name:    "wrong message",
			Input:   "in",
			Events:  []event.Event{logMsg("actual")},
			Outputs: map[string][]Condition{"out": {ConditionMessageEquals("expected")}},
		},
	})
	if results[0].Passed {
		t.Fatalf("expected failure for unresolved condition")
	}
}

func TestHarnessEmptyOutputsIsMalformed(t *testing.T) {
	g := NewGraph(&Node{Name: "in", Transform: passthrough})
	results := Run(g, []Test{
		{Name: "no assertions", Input: "in", Events: []event.Event{logMsg("x")}},
	})
	if results[0].Passed || results[0].Err != ErrEmptyOutputs {
		t.Fatalf("expected ErrEmptyOutputs, got %+v", results[0])
	}
}

func TestHarnessMalformedInput(t *testing.T) {
	g := NewGraph(&Node{Name: "in", Transform: passthrough})
	results := Run(g, []Test{
		{Name: "no events", Input: "in", Outputs: map[string][]Condition{"in": {ConditionCount(0)}}},
	})
	if results[0].Passed || results[0].Err != ErrMalformedInput {
		t.Fatalf("expected ErrMalformedInput, got %+v", results[0])
	}
}

// errorsAs avoids importing errors in every test file that only needs
// this one assertion helper.
func errorsAs(err error, target **MissingInputTargetError) bool {
	e, ok := err.(*MissingInputTargetError)
	if !ok {
		return false
	}
	*target = e
	return true
}
