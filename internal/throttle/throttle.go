package throttle

import (
	"encoding/json"

	"github.com/expr-lang/expr/vm"

	"github.com/flowcore/pipeline/internal/event"
	"github.com/flowcore/pipeline/internal/logging"
	"github.com/flowcore/pipeline/internal/metrics"
)

// Output is one result of TransformInto: either the original event
// routed to the primary output, or — when Config.RouteDropped is set —
// the original event routed to the DROPPED side output, with
// ThresholdType naming which dimension rejected it.
type Output struct {
	Event         event.Event
	Dropped       bool
	ThresholdType ThresholdType
}

// Transform is a configured, ready-to-run throttle instance.
type Transform struct {
	cfg Config
	log logging.Logger

	events    *quota
	jsonBytes *quota
	tokens    *quota
	cost      *vm.Program
}

// New validates cfg and builds a Transform, or returns a build-time
// error per spec.md §4.6 "Failure modes".
func New(cfg Config, log logging.Logger) (*Transform, error) {
	cost, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	t := &Transform{cfg: cfg, log: logging.OrDefault(log), cost: cost}
	if cfg.EventsThreshold > 0 {
		t.events = newQuota(cfg.EventsThreshold, cfg.Window)
	}
	if cfg.JSONBytesThreshold > 0 {
		t.jsonBytes = newQuota(cfg.JSONBytesThreshold, cfg.Window)
	}
	if cfg.TokensThreshold > 0 {
		t.tokens = newQuota(cfg.TokensThreshold, cfg.Window)
	}
	return t, nil
}

// TransformInto evaluates ev against every active limiter in order
// (Events → JSONBytes → Tokens) and appends the resulting Output(s) to
// out. Excluded events always pass through; an event that exceeds any
// limiter is either dropped outright or, when RouteDropped is set,
// appended as Output{Dropped: true}.
func (t *Transform) TransformInto(out *[]Output, ev event.Event) {
	if t.cfg.Exclude != nil && t.cfg.Exclude(ev) {
		*out = append(*out, Output{Event: ev})
		return
	}

	key := t.renderKey(ev)

	if t.events != nil && !t.events.checkKeyN(key, 1) {
		t.drop(out, ev, key, ThresholdEvents)
		return
	}

	jsonBytes := estimateJSONBytes(ev)
	if t.jsonBytes != nil && !t.jsonBytes.checkKeyN(key, jsonBytes) {
		t.drop(out, ev, key, ThresholdJSONBytes)
		return
	}

	if t.tokens != nil {
		cost, err := evaluateCost(t.cost, ev)
		if err != nil {
			t.log.Warnf(logging.NSThrottle+"token cost expression failed for key %q: %v, defaulting to cost 1", key, err)
			cost = 1
		}
		if !t.tokens.checkKeyN(key, cost) {
			t.drop(out, ev, key, ThresholdTokens)
			return
		}
	}

	if t.cfg.DetailedMetrics {
		t.recordUtilisation(key)
	}

	*out = append(*out, Output{Event: ev})
}

func (t *Transform) drop(out *[]Output, ev event.Event, key string, kind ThresholdType) {
	t.log.Warnf(logging.NSThrottle+"dropping event for key %q: %s threshold exceeded", key, kind)
	metrics.EventsDropped.WithLabelValues("throttle", string(kind)).Inc()
	if t.cfg.RouteDropped {
		*out = append(*out, Output{Event: ev, Dropped: true, ThresholdType: kind})
	}
}

func (t *Transform) recordUtilisation(key string) {
	if t.events != nil {
		metrics.ThrottleUtilisation.WithLabelValues(key, string(ThresholdEvents)).Set(t.events.utilisation(key))
	}
	if t.jsonBytes != nil {
		metrics.ThrottleUtilisation.WithLabelValues(key, string(ThresholdJSONBytes)).Set(t.jsonBytes.utilisation(key))
	}
	if t.tokens != nil {
		metrics.ThrottleUtilisation.WithLabelValues(key, string(ThresholdTokens)).Set(t.tokens.utilisation(key))
	}
}

func (t *Transform) renderKey(ev event.Event) string {
	if t.cfg.KeyField == "" {
		return ""
	}
	if ev.Log == nil {
		return ""
	}
	v, ok := ev.Log.Get(t.cfg.KeyField)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// estimateJSONBytes approximates the encoded size of an event without
// fully serialising it through the pipeline's wire codec, matching the
// "estimated-JSON bytes" language in spec.md §4.6.
func estimateJSONBytes(ev event.Event) int {
	if ev.Log == nil {
		return 0
	}
	fields := make(map[string]any, len(ev.Log.Fields))
	for _, f := range ev.Log.Fields {
		fields[f.Key] = f.Value
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return 0
	}
	return len(b)
}
