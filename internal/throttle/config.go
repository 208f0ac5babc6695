// Package throttle implements the per-key, multi-dimension rate
// limiting transform (spec.md §4.6): at most events_threshold events,
// json_bytes_threshold estimated JSON bytes, and tokens_threshold
// expression-costed tokens per key per window. An event that would
// exceed any active dimension is dropped, or rerouted to a side output
// when one is configured.
package throttle

import (
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowcore/pipeline/internal/event"
)

// ThresholdType names which dimension rejected an event, reported on
// ThrottleEventDiscarded (spec.md §7).
type ThresholdType string

const (
	ThresholdEvents    ThresholdType = "events"
	ThresholdJSONBytes ThresholdType = "json_bytes"
	ThresholdTokens    ThresholdType = "tokens"
)

// Build-time configuration errors (spec.md §4.6 "Failure modes").
var (
	ErrNoThresholds          = errors.New("throttle: at least one threshold must be configured")
	ErrTokensNeedJSONBytes   = errors.New("throttle: tokens_threshold requires a positive json_bytes_threshold")
	ErrInvalidCostExpression = errors.New("throttle: token cost expression failed to compile")
)

// Config describes one throttle transform instance. KeyField selects
// which log field's value (rendered as a string) partitions limiters;
// the empty string collapses every event to a single shared key.
type Config struct {
	KeyField string

	EventsThreshold    int
	JSONBytesThreshold int
	TokensThreshold    int
	TokensExpression   string

	Window time.Duration

	// Exclude, when non-nil, routes matching events around every
	// limiter entirely.
	Exclude func(event.Event) bool

	// RouteDropped, when true, causes dropped events to be emitted on
	// a side output (Output.Dropped) rather than discarded outright.
	RouteDropped bool

	// DetailedMetrics enables per-key utilisation gauges. Left off by
	// default since it allocates on the per-event hot path.
	DetailedMetrics bool
}

func (c Config) validate() (*vm.Program, error) {
	if c.EventsThreshold <= 0 && c.JSONBytesThreshold <= 0 && c.TokensThreshold <= 0 {
		return nil, ErrNoThresholds
	}
	if c.TokensThreshold > 0 && c.JSONBytesThreshold <= 0 {
		return nil, ErrTokensNeedJSONBytes
	}
	if c.Window <= 0 {
		return nil, fmt.Errorf("throttle: window must be positive")
	}

	if c.TokensThreshold <= 0 {
		return nil, nil
	}
	program, err := expr.Compile(c.TokensExpression, expr.Env(map[string]any{}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCostExpression, err)
	}
	return program, nil
}
