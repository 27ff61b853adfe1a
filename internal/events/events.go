// Package events defines the typed event contract shared by the fragment
// state machine, the template processor, and the request handler.
//
// The system this package describes wires events by name in loops (any
// listener can subscribe to any named event). A statically-typed port
// can't do that safely, so instead every event a component can raise is
// a named constant and every listener implements a fixed, closed Sink
// interface. This also breaks the cyclic reference that would otherwise
// exist between the handler (which owns the processor) and the
// fragments (which would otherwise need to call back into the handler
// to re-emit their events) — fragments only ever see a push-only Sink,
// never the handler itself.
package events

// Kind identifies one of the fixed set of events a Fragment, the
// Template Processor, or the Request Handler can raise.
type Kind string

const (
	// Fragment lifecycle events (spec §4.3).
	KindFragmentStart    Kind = "fragment:start"
	KindFragmentResponse Kind = "fragment:response"
	KindFragmentEnd      Kind = "fragment:end"
	KindFragmentError    Kind = "fragment:error"
	KindFragmentFallback Kind = "fragment:fallback"
	KindFragmentTimeout  Kind = "fragment:timeout"
	KindFragmentWarn     Kind = "fragment:warn"

	// Template processor events (spec §4.4).
	KindFragmentFound Kind = "fragment:found"
	KindAsyncPlugged  Kind = "async:plugged"
	KindAsyncWarn     Kind = "async:warn"

	// Handler-level events (spec §6).
	KindStart        Kind = "start"
	KindResponse     Kind = "response"
	KindEnd          Kind = "end"
	KindError        Kind = "error"
	KindContextError Kind = "context:error"
)

// Event is one occurrence of a Kind, carrying whatever payload that kind
// defines. FragmentID is empty for handler-level events that aren't tied
// to one fragment.
type Event struct {
	Kind       Kind
	FragmentID string
	Index      int

	// Status/Headers are populated on KindFragmentResponse.
	Status  int
	Headers map[string][]string

	// Err is populated on *Error and *Timeout kinds (Timeout carries nil).
	Err error

	// BytesRead is populated on KindFragmentEnd and the handler's KindEnd.
	BytesRead int64

	// Primary is populated on KindFragmentFound: true when this
	// fragment's template tag carried the `primary` attribute. The
	// handler uses it (together with Index) to recognize which
	// subsequent events belong to the fragment that governs the page
	// response, without holding a reference to the fragment itself.
	Primary bool

	// Message is a free-form note, used by warn-class events.
	Message string
}

// Sink receives events. It is the push-only interface fragments, the
// template processor, and the handler are given instead of a reference
// to one another — satisfying the "never pass the handler itself"
// design note. Implementations must not block; a slow sink (e.g. one
// backed by a network logger) should buffer or drop internally rather
// than stall the hot path.
type Sink interface {
	Emit(Event)
}

// Func adapts a plain function to a Sink.
type Func func(Event)

// Emit implements Sink.
func (f Func) Emit(e Event) { f(e) }

// Multi fans one Emit call out to several sinks, in order. Used to wire
// e.g. the default logger and the Prometheus sink together without
// either knowing the other exists.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Discard is a Sink that does nothing. Useful in tests that don't care
// about observability.
var Discard Sink = Func(func(Event) {})
