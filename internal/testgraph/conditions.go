package testgraph

import (
	"fmt"

	"github.com/flowcore/pipeline/internal/event"
)

// Condition is a declarative check against the events captured at one
// named output. It returns a descriptive error if unsatisfied, nil
// otherwise.
type Condition func(events []event.Event) error

// ConditionCount requires exactly n events to have been captured.
func ConditionCount(n int) Condition {
	return func(events []event.Event) error {
		if len(events) != n {
			return fmt.Errorf("expected %d events, got %d", n, len(events))
		}
		return nil
	}
}

// ConditionMessageEquals requires every captured event's "message"
// field to equal want, in order, one per event (len(want) must match
// the captured count).
func ConditionMessageEquals(want ...string) Condition {
	return func(events []event.Event) error {
		if len(events) != len(want) {
			return fmt.Errorf("expected %d events, got %d", len(want), len(events))
		}
		for i, ev := range events {
			if ev.Log == nil {
				return fmt.Errorf("event %d is not a log event", i)
			}
			got, ok := ev.Log.Message()
			if !ok {
				return fmt.Errorf("event %d has no message field", i)
			}
			if got != want[i] {
				return fmt.Errorf("event %d message = %q, want %q", i, got, want[i])
			}
		}
		return nil
	}
}

// ConditionFieldEquals requires every captured event's log field key
// to equal want.
func ConditionFieldEquals(key string, want any) Condition {
	return func(events []event.Event) error {
		for i, ev := range events {
			if ev.Log == nil {
				return fmt.Errorf("event %d is not a log event", i)
			}
			got, ok := ev.Log.Get(key)
			if !ok {
				return fmt.Errorf("event %d has no field %q", i, key)
			}
			if got != want {
				return fmt.Errorf("event %d field %q = %v, want %v", i, key, got, want)
			}
		}
		return nil
	}
}

// ConditionNone requires that no events were captured; it is the
// condition implied by a test's NoOutputsFrom list.
func ConditionNone() Condition {
	return ConditionCount(0)
}
