package throttle

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowcore/pipeline/internal/event"
)

// fieldsToEnv flattens a log event's fields into the environment the
// cost expression runs against. This stands in for the embedded
// expression language's implicit event-root binding (spec.md §4.6
// names a VRL-style expression; expr-lang's binding is an explicit
// env map rather than implicit `.field` access — see SPEC_FULL.md).
func fieldsToEnv(ev event.Event) map[string]any {
	env := make(map[string]any)
	if ev.Log != nil {
		for _, f := range ev.Log.Fields {
			env[f.Key] = f.Value
		}
	}
	return env
}

// evaluateCost runs the compiled token-cost expression against ev,
// returning the per-event token cost. Per spec.md §4.6, a non-positive
// or non-numeric result is a soft failure: the caller should default
// to a cost of 1 and log a warning rather than propagate the error to
// the data path.
func evaluateCost(program *vm.Program, ev event.Event) (int, error) {
	out, err := expr.Run(program, fieldsToEnv(ev))
	if err != nil {
		return 0, err
	}

	var n int
	switch v := out.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	default:
		return 0, fmt.Errorf("throttle: cost expression returned non-numeric value %T", out)
	}
	if n <= 0 {
		return 0, fmt.Errorf("throttle: cost expression returned non-positive value %d", n)
	}
	return n, nil
}
