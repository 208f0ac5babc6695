// Package acker implements the ordered acknowledgement tracker: it maps
// partial, possibly out-of-order event acknowledgements back to whole
// record deletions, inserting synthetic gap markers when record ids
// are not contiguous and resolving markers whose length could not be
// determined at insertion time.
//
// The tracker is generic over the integer width used for ids (the
// buffer itself only ever instantiates it at uint64), expressed here as
// the Uint constraint with wrapping arithmetic throughout, matching the
// on-disk id's wraparound semantics.
package acker

import "fmt"

// Uint is any unsigned integer width the tracker can be instantiated
// over. All arithmetic on these values wraps, matching record ids that
// wrap modulo their width.
type Uint interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func wrappingAdd[N Uint](a, b N) N { return a + b }
func wrappingSub[N Uint](a, b N) N { return a - b }

// checkedAdd reports the wrapping sum of a and b, and whether the
// addition overflowed N's range.
func checkedAdd[N Uint](a, b N) (N, bool) {
	sum := a + b
	return sum, sum < a
}

// lengthKind discriminates a pendingMarker's length.
type lengthKind uint8

const (
	lenKnown lengthKind = iota
	lenAssumed
	lenUnknown
)

type markerLength[N Uint] struct {
	kind lengthKind
	n    N
}

// pendingMarker is an internal queue entry: a real record (Known),
// a synthetic gap (Assumed), or a record whose length isn't known yet
// (Unknown, resolved once the next marker arrives).
type pendingMarker[N Uint, D any] struct {
	id   N
	len  markerLength[N]
	data D
	has  bool // whether data is meaningful (distinguishes zero value from "no data")
}

// EligibleMarkerKind mirrors lengthKind for a yielded marker (Unknown
// markers are never yielded, so only Known/Assumed apply here).
type EligibleMarkerKind uint8

const (
	Known EligibleMarkerKind = iota
	Assumed
)

func (k EligibleMarkerKind) String() string {
	if k == Known {
		return "known"
	}
	return "assumed"
}

// EligibleMarker is a marker that has accumulated enough acknowledgements
// (or, for a synthetic gap, requires none) and is ready for the caller
// to act on — typically by deleting the underlying record from disk.
type EligibleMarker[N Uint, D any] struct {
	ID   N
	Kind EligibleMarkerKind
	Len  N
	Data D
	// HasData is false for synthetic gap markers, which carry no
	// caller-supplied data.
	HasData bool
}

// ErrMonotonicityViolation is returned by AddMarker when id falls
// before the end of the previous marker under wrapping arithmetic —
// a programmer/caller error that the spec treats as fatal to the buffer.
var ErrMonotonicityViolation = fmt.Errorf("acker: marker id violates monotonicity")

// Tracker is an OrderedAcknowledgements instance over id width N,
// carrying opaque data D per real marker.
type Tracker[N Uint, D any] struct {
	unclaimedAcks N
	ackedMarkerID N
	pending       []pendingMarker[N, D]
	Saturating    bool // if true, AddAcknowledgements clamps instead of panicking
}

// New creates a Tracker whose acknowledged cursor starts at ackedMarkerID
// (typically the id of the first record that has not yet been acknowledged).
func New[N Uint, D any](ackedMarkerID N) *Tracker[N, D] {
	return &Tracker[N, D]{ackedMarkerID: ackedMarkerID}
}

// AddAcknowledgements credits amount unclaimed acknowledgements.
//
// Panics on overflow unless Saturating is set, in which case the
// unclaimed count clamps to the type's maximum — see SPEC_FULL.md §4
// for why both variants are exposed.
func (t *Tracker[N, D]) AddAcknowledgements(amount N) {
	sum, overflowed := checkedAdd(t.unclaimedAcks, amount)
	if overflowed {
		if t.Saturating {
			t.unclaimedAcks = ^N(0)
			return
		}
		panic("acker: overflowing unclaimed acknowledgements")
	}
	t.unclaimedAcks = sum
}

type markerOffsetKind uint8

const (
	offsetAligned markerOffsetKind = iota
	offsetGap
	offsetNotEnoughInfo
	offsetMonotonicityViolation
)

type markerOffset[N Uint] struct {
	kind       markerOffsetKind
	expectedID N
	amount     N
}

func (t *Tracker[N, D]) markerIDOffset(id N) markerOffset[N] {
	if len(t.pending) == 0 {
		if t.ackedMarkerID != id {
			return markerOffset[N]{
				kind:       offsetGap,
				expectedID: t.ackedMarkerID,
				amount:     wrappingSub(id, t.ackedMarkerID),
			}
		}
		return markerOffset[N]{kind: offsetAligned}
	}

	back := t.pending[len(t.pending)-1]
	if back.len.kind != lenKnown {
		return markerOffset[N]{kind: offsetNotEnoughInfo, expectedID: back.id}
	}

	expectedNext := wrappingAdd(back.id, back.len.n)
	if id != expectedNext {
		// id lies before expectedNext when the wrapping distance from
		// expectedNext to id exceeds half the id space.
		if wrappingSub(id, expectedNext) > ^N(0)>>1 {
			return markerOffset[N]{kind: offsetMonotonicityViolation}
		}
		return markerOffset[N]{
			kind:       offsetGap,
			expectedID: expectedNext,
			amount:     wrappingSub(id, expectedNext),
		}
	}
	return markerOffset[N]{kind: offsetAligned}
}

// AddMarker registers a record of id, with an optional known length
// (nil means Unknown — resolved once a subsequent marker arrives) and
// optional caller data carried through to the eligible marker.
//
// See the package doc and spec.md §4.5 for gap-insertion and
// unknown-length-resolution semantics.
func (t *Tracker[N, D]) AddMarker(id N, length *N, data D, hasData bool) error {
	switch off := t.markerIDOffset(id); off.kind {
	case offsetGap:
		t.pending = append(t.pending, pendingMarker[N, D]{
			id:  off.expectedID,
			len: markerLength[N]{kind: lenAssumed, n: off.amount},
		})
	case offsetNotEnoughInfo:
		last := &t.pending[len(t.pending)-1]
		last.len = markerLength[N]{kind: lenAssumed, n: wrappingSub(id, last.id)}
	case offsetMonotonicityViolation:
		return ErrMonotonicityViolation
	case offsetAligned:
		// nothing to do
	}

	m := pendingMarker[N, D]{id: id, data: data, has: hasData}
	if length != nil {
		m.len = markerLength[N]{kind: lenKnown, n: *length}
	} else {
		m.len = markerLength[N]{kind: lenUnknown}
	}
	t.pending = append(t.pending, m)
	return nil
}

// GetNextEligibleMarker removes and returns the head pending marker if
// it has accumulated enough acknowledgements (Known), or is a synthetic
// gap that requires none (Assumed). Returns false if the head marker is
// Unknown or not yet fully acknowledged, or the queue is empty.
func (t *Tracker[N, D]) GetNextEligibleMarker() (EligibleMarker[N, D], bool) {
	if len(t.pending) == 0 {
		return EligibleMarker[N, D]{}, false
	}

	effectiveAcked := wrappingAdd(t.ackedMarkerID, t.unclaimedAcks)
	head := t.pending[0]

	var (
		kind      EligibleMarkerKind
		length    N
		acksClaim N
		eligible  bool
	)

	switch head.len.kind {
	case lenKnown:
		requiredAcked := wrappingAdd(head.id, head.len.n)
		if requiredAcked <= effectiveAcked && t.unclaimedAcks >= head.len.n {
			kind, length, acksClaim, eligible = Known, head.len.n, head.len.n, true
		}
	case lenAssumed:
		kind, length, eligible = Assumed, head.len.n, true
	case lenUnknown:
		eligible = false
	}

	if !eligible {
		return EligibleMarker[N, D]{}, false
	}

	t.pending = t.pending[1:]
	if acksClaim > 0 {
		t.unclaimedAcks -= acksClaim
	}
	t.ackedMarkerID = wrappingAdd(head.id, length)

	return EligibleMarker[N, D]{
		ID:      head.id,
		Kind:    kind,
		Len:     length,
		Data:    head.data,
		HasData: head.has,
	}, true
}

// AckedMarkerID returns the cursor below which every marker has been
// yielded eligible — used on reopen to resume reader state (spec.md §8
// property 6).
func (t *Tracker[N, D]) AckedMarkerID() N { return t.ackedMarkerID }

// PendingLen reports the number of pending markers, for diagnostics.
func (t *Tracker[N, D]) PendingLen() int { return len(t.pending) }
