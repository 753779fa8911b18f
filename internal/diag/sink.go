package diag

import (
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Listener receives markers as they are recorded.
type Listener func(Marker)

// Sink collects markers from the loader, builder, cache and runner and
// fans them out to registered listeners. It never panics or returns a
// Go error itself — callers decide whether accumulated markers should
// stop a run via HasErrors.
type Sink struct {
	mu        sync.Mutex
	markers   []Marker
	listeners []Listener
}

// NewSink creates an empty marker sink.
func NewSink() *Sink {
	return &Sink{}
}

// Listen registers a listener that is invoked (on the emitting
// goroutine) for every future marker. Must be called before a run
// starts; the listener list is treated as append-only/read-only during
// a run.
func (s *Sink) Listen(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Emit records a marker and notifies listeners.
func (s *Sink) Emit(m Marker) {
	s.mu.Lock()
	s.markers = append(s.markers, m)
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(m)
	}
}

// Info emits an info marker.
func (s *Sink) Info(kind Kind, msg string, loc *Location) { s.Emit(New2(Info, kind, msg, loc)) }

// Warn emits a warning marker.
func (s *Sink) Warn(kind Kind, msg string, loc *Location) { s.Emit(New2(Warn, kind, msg, loc)) }

// Error emits an error marker.
func (s *Sink) Error(kind Kind, msg string, loc *Location) { s.Emit(New2(Error, kind, msg, loc)) }

// New2 builds a marker with an explicit severity override, used when a
// caller needs to deviate from the taxonomy's default (e.g. promoting a
// normally-warning kind).
func New2(sev Severity, kind Kind, msg string, loc *Location) Marker {
	m := New(kind, msg, loc)
	m.Severity = sev
	return m
}

// Markers returns a snapshot of all markers recorded so far.
func (s *Sink) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, len(s.markers))
	copy(out, s.markers)
	return out
}

// HasErrors reports whether any Error-severity marker has been
// recorded. A run must not start if this is true.
func (s *Sink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markers {
		if m.Severity == Error {
			return true
		}
	}
	return false
}

// Err aggregates all Error-severity markers into a single
// *multierror.Error for callers that want a conventional Go error,
// mirroring the teacher's use of hashicorp/go-multierror to collect
// per-task errors in a run.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var merr *multierror.Error
	for _, m := range s.markers {
		if m.Severity == Error {
			merr = multierror.Append(merr, errorFromMarker(m))
		}
	}
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}

type markerError struct{ m Marker }

func (e markerError) Error() string { return e.m.String() }

func errorFromMarker(m Marker) error { return markerError{m} }
