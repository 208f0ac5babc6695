package acker

import "testing"

func known(n uint64) *uint64 { return &n }

// TestGapInsertion covers scenario S4 from spec.md §8: a marker
// (id=0, len=5) followed by (id=8, len=2) should yield {0, Known(5)}
// and then immediately {5, Assumed(3)}.
func TestGapInsertion(t *testing.T) {
	tr := New[uint64, int](0)

	if err := tr.AddMarker(0, known(5), 0, false); err != nil {
		t.Fatalf("AddMarker(0): %v", err)
	}
	if err := tr.AddMarker(8, known(2), 0, false); err != nil {
		t.Fatalf("AddMarker(8): %v", err)
	}

	if _, ok := tr.GetNextEligibleMarker(); ok {
		t.Fatalf("expected no eligible marker before acks")
	}

	tr.AddAcknowledgements(5)

	m, ok := tr.GetNextEligibleMarker()
	if !ok {
		t.Fatalf("expected eligible marker after 5 acks")
	}
	if m.ID != 0 || m.Kind != Known || m.Len != 5 {
		t.Fatalf("unexpected marker: %+v", m)
	}

	m2, ok := tr.GetNextEligibleMarker()
	if !ok {
		t.Fatalf("expected the synthetic gap marker to be immediately eligible")
	}
	if m2.ID != 5 || m2.Kind != Assumed || m2.Len != 3 {
		t.Fatalf("unexpected gap marker: %+v", m2)
	}

	if _, ok := tr.GetNextEligibleMarker(); ok {
		t.Fatalf("the marker added at id 8 should not be eligible before its own 2 acks")
	}
}

// TestUnknownLengthResolution covers scenario S5: a marker with
// unknown length becomes Assumed once a subsequent marker arrives, and
// is immediately eligible; the following marker still requires its own ack.
func TestUnknownLengthResolution(t *testing.T) {
	tr := New[uint64, int](0)

	if err := tr.AddMarker(0, nil, 0, false); err != nil {
		t.Fatalf("AddMarker(0, unknown): %v", err)
	}
	if err := tr.AddMarker(5, known(1), 0, false); err != nil {
		t.Fatalf("AddMarker(5): %v", err)
	}

	m, ok := tr.GetNextEligibleMarker()
	if !ok {
		t.Fatalf("expected the resolved-assumed marker to be eligible immediately")
	}
	if m.ID != 0 || m.Kind != Assumed || m.Len != 5 {
		t.Fatalf("unexpected marker: %+v", m)
	}

	if _, ok := tr.GetNextEligibleMarker(); ok {
		t.Fatalf("second marker should not be eligible without an ack")
	}
	tr.AddAcknowledgements(1)
	m2, ok := tr.GetNextEligibleMarker()
	if !ok || m2.ID != 5 || m2.Kind != Known || m2.Len != 1 {
		t.Fatalf("unexpected second marker: %+v ok=%v", m2, ok)
	}
}

func TestMonotonicityViolation(t *testing.T) {
	tr := New[uint64, int](0)
	if err := tr.AddMarker(0, known(5), 0, false); err != nil {
		t.Fatalf("AddMarker(0): %v", err)
	}
	// Expected next id is 5; 3 falls before that.
	if err := tr.AddMarker(3, known(1), 0, false); err != ErrMonotonicityViolation {
		t.Fatalf("expected ErrMonotonicityViolation, got %v", err)
	}
}

func TestAddAcknowledgementsOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on overflow")
		}
	}()
	tr := New[uint8, int](0)
	tr.AddAcknowledgements(200)
	tr.AddAcknowledgements(200)
}

func TestAddAcknowledgementsSaturating(t *testing.T) {
	tr := New[uint8, int](0)
	tr.Saturating = true
	tr.AddAcknowledgements(200)
	tr.AddAcknowledgements(200)
	if tr.unclaimedAcks != 255 {
		t.Fatalf("expected clamp to max, got %d", tr.unclaimedAcks)
	}
}

// TestSumOfYieldedLengthsMatchesAckedDelta is the property from spec.md
// §8 item 2: over any sequence of yields, sum(length) mod 2^N equals
// the delta the acked cursor advanced by.
func TestSumOfYieldedLengthsMatchesAckedDelta(t *testing.T) {
	tr := New[uint64, int](0)
	ids := []uint64{0, 3, 3 + 7, 3 + 7 + 2}
	lens := []uint64{3, 7, 2, 4}
	for i, id := range ids {
		if err := tr.AddMarker(id, known(lens[i]), i, true); err != nil {
			t.Fatalf("AddMarker(%d): %v", id, err)
		}
	}
	tr.AddAcknowledgements(3 + 7 + 2 + 4)

	initial := tr.AckedMarkerID()
	var sum uint64
	for {
		m, ok := tr.GetNextEligibleMarker()
		if !ok {
			break
		}
		sum += m.Len
	}
	if got, want := tr.AckedMarkerID()-initial, sum; got != want {
		t.Fatalf("acked cursor advanced by %d, sum of lengths was %d", got, want)
	}
}
