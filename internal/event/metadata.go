package event

// Status is the terminal disposition of an event as reported by a sink
// or downstream component back to its source.
type Status uint8

const (
	// Delivered indicates the event reached its destination.
	Delivered Status = iota
	// Errored indicates delivery failed but may be retried upstream.
	Errored
	// Rejected indicates the destination permanently refused the event.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Errored:
		return "errored"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Finalizer is notified exactly once, with the terminal Status, when an
// event finishes its journey through a sink. Callers of the disk
// buffer's reader bind the yielded diskbuffer.Record as the Finalizer
// of the events decoded from it, so that Update credits an
// acknowledgement back to the owning record (see internal/acker).
type Finalizer interface {
	Update(status Status)
}

// FinalizerFunc adapts a plain function to Finalizer.
type FinalizerFunc func(Status)

func (f FinalizerFunc) Update(status Status) { f(status) }

// Metadata carries opaque, per-event bookkeeping that is not part of
// the event's payload: acknowledgement finalizers, and room for
// collaborators (sources, transforms) to stash their own annotations.
type Metadata struct {
	Finalizer Finalizer

	// annotations holds small, string-keyed extensions (e.g. source
	// type, ingest timestamp) without growing the Metadata struct
	// itself for every caller's needs.
	annotations map[string]any
}

// Finalize notifies the bound Finalizer, if any, that this event
// reached status. It is a no-op when no Finalizer is bound (e.g. in
// tests that construct events directly).
func (m Metadata) Finalize(status Status) {
	if m.Finalizer != nil {
		m.Finalizer.Update(status)
	}
}

// Annotate stores an arbitrary value under key.
func (m *Metadata) Annotate(key string, value any) {
	if m.annotations == nil {
		m.annotations = make(map[string]any)
	}
	m.annotations[key] = value
}

// Annotation retrieves a value stored by Annotate.
func (m Metadata) Annotation(key string) (any, bool) {
	v, ok := m.annotations[key]
	return v, ok
}
