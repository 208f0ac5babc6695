package throttle

import (
	"testing"
	"time"

	"github.com/flowcore/pipeline/internal/event"
)

func logEvent(message string) event.Event {
	return event.NewLog(&event.Log{Fields: []event.LogField{{Key: "message", Value: message}}})
}

func TestNewRejectsNoThresholds(t *testing.T) {
	_, err := New(Config{Window: time.Second}, nil)
	if err != ErrNoThresholds {
		t.Fatalf("New() err = %v, want ErrNoThresholds", err)
	}
}

func TestNewRejectsTokensWithoutJSONBytes(t *testing.T) {
	_, err := New(Config{
		Window:           time.Second,
		TokensThreshold:  10,
		TokensExpression: "1",
	}, nil)
	if err != ErrTokensNeedJSONBytes {
		t.Fatalf("New() err = %v, want ErrTokensNeedJSONBytes", err)
	}
}

func TestNewRejectsInvalidExpression(t *testing.T) {
	_, err := New(Config{
		Window:             time.Second,
		JSONBytesThreshold: 10,
		TokensThreshold:    10,
		TokensExpression:   "this is not valid expr syntax (((",
	}, nil)
	if err == nil {
		t.Fatalf("expected error for invalid expression")
	}
}

// TestThreeDimensionalDrop mirrors spec.md scenario S6: configure
// events=100, json_bytes=200 and send messages whose cumulative JSON
// size exceeds the byte budget well before the event count does.
func TestThreeDimensionalDrop(t *testing.T) {
	tr, err := New(Config{
		Window:             time.Minute,
		EventsThreshold:    100,
		JSONBytesThreshold: 200,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	message := make([]byte, 50) // plus JSON quoting/key overhead, ~60 bytes per event
	for i := range message {
		message[i] = 'a'
	}

	var drops []ThresholdType
	for i := 0; i < 10; i++ {
		var out []Output
		tr.TransformInto(&out, logEvent(string(message)))
		if len(out) == 0 {
			drops = append(drops, ThresholdJSONBytes)
		}
	}

	if len(drops) == 0 {
		t.Fatalf("expected some events to be dropped once json_bytes budget is exhausted")
	}
}

func TestEventsThresholdDropsBeyondBurst(t *testing.T) {
	tr, err := New(Config{Window: time.Minute, EventsThreshold: 2}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var passed int
	for i := 0; i < 5; i++ {
		var out []Output
		tr.TransformInto(&out, logEvent("hi"))
		passed += len(out)
	}
	if passed != 2 {
		t.Fatalf("passed = %d, want 2 (burst = events_threshold)", passed)
	}
}

func TestRouteDroppedEmitsSideOutput(t *testing.T) {
	tr, err := New(Config{Window: time.Minute, EventsThreshold: 1, RouteDropped: true}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var out []Output
	tr.TransformInto(&out, logEvent("first"))
	tr.TransformInto(&out, logEvent("second"))

	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (one passed, one routed to dropped)", len(out))
	}
	if out[0].Dropped {
		t.Fatalf("first event should have passed")
	}
	if !out[1].Dropped || out[1].ThresholdType != ThresholdEvents {
		t.Fatalf("second event should be dropped with ThresholdEvents, got %+v", out[1])
	}
}

func TestExcludePredicateBypassesLimiters(t *testing.T) {
	tr, err := New(Config{
		Window:          time.Minute,
		EventsThreshold: 1,
		Exclude: func(ev event.Event) bool {
			msg, _ := ev.Log.Message()
			return msg == "exempt"
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var out []Output
	tr.TransformInto(&out, logEvent("consumes the budget"))
	for i := 0; i < 5; i++ {
		tr.TransformInto(&out, logEvent("exempt"))
	}
	if len(out) != 1+5 {
		t.Fatalf("len(out) = %d, want 6 (1 budgeted + 5 exempt)", len(out))
	}
}

func TestPerKeyIsolation(t *testing.T) {
	tr, err := New(Config{Window: time.Minute, EventsThreshold: 1, KeyField: "key"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	evA := event.NewLog(&event.Log{Fields: []event.LogField{{Key: "key", Value: "a"}}})
	evB := event.NewLog(&event.Log{Fields: []event.LogField{{Key: "key", Value: "b"}}})

	var out []Output
	tr.TransformInto(&out, evA)
	tr.TransformInto(&out, evB)
	if len(out) != 2 {
		t.Fatalf("distinct keys should not share a budget, got %d passed", len(out))
	}
}
