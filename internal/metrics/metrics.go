// Package metrics is the concrete, Prometheus-backed implementation of
// the "metrics sinks exposed only as an event-emission contract" that
// spec.md §1 names as an external collaborator. It adapts every
// events.Event the fragment pipeline raises into counters and
// histograms, without the rest of the pipeline knowing Prometheus
// exists.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fragserv/fragserv/internal/events"
)

// Sink implements events.Sink, recording every fragment and handler
// event as Prometheus metrics. Construct one per process with New and
// share it across requests — the underlying counters/histograms are
// safe for concurrent use.
//
// Emit is not called from one goroutine at a time: every fragment on a
// page is fetched in its own goroutine (internal/fragtemplate's
// dispatch loop), and each one calls Emit directly as it starts and
// finishes. The prometheus.CounterVec/HistogramVec fields already
// tolerate that — the client library guards them internally — but
// starts is our own plain map, so it needs its own lock. Skipping it
// doesn't just risk a wrong number, it risks "fatal error: concurrent
// map writes", which crashes the process outright; that's a fatal
// error, not a panic, so middleware.Recoverer upstream can't save us
// from it.
type Sink struct {
	fragmentEvents  *prometheus.CounterVec
	fragmentLatency *prometheus.HistogramVec
	handlerEvents   *prometheus.CounterVec
	responseBytes   prometheus.Histogram

	mu     sync.Mutex
	starts map[string]time.Time
}

// New registers fragserv's metrics on reg and returns a Sink ready to
// receive events. Pass prometheus.DefaultRegisterer to use the global
// registry.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	return &Sink{
		fragmentEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fragserv",
			Subsystem: "fragment",
			Name:      "events_total",
			Help:      "Fragment lifecycle events by kind.",
		}, []string{"kind"}),
		fragmentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fragserv",
			Subsystem: "fragment",
			Name:      "duration_seconds",
			Help:      "Time from fragment:start to its terminal event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		handlerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fragserv",
			Subsystem: "handler",
			Name:      "events_total",
			Help:      "Request-handler-level events by kind.",
		}, []string{"kind"}),
		responseBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fragserv",
			Subsystem: "handler",
			Name:      "response_bytes",
			Help:      "Total bytes written to the response socket per request.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
		starts: make(map[string]time.Time),
	}
}

// Emit implements events.Sink.
func (s *Sink) Emit(e events.Event) {
	switch e.Kind {
	case events.KindFragmentStart:
		s.mu.Lock()
		s.starts[e.FragmentID] = timeNow()
		s.mu.Unlock()
		s.fragmentEvents.WithLabelValues(string(e.Kind)).Inc()

	case events.KindFragmentEnd, events.KindFragmentError, events.KindFragmentFallback:
		s.fragmentEvents.WithLabelValues(string(e.Kind)).Inc()
		s.mu.Lock()
		start, ok := s.starts[e.FragmentID]
		if ok {
			delete(s.starts, e.FragmentID)
		}
		s.mu.Unlock()
		if ok {
			s.fragmentLatency.WithLabelValues(outcomeFor(e.Kind)).Observe(timeNow().Sub(start).Seconds())
		}

	case events.KindEnd:
		s.handlerEvents.WithLabelValues(string(e.Kind)).Inc()
		s.responseBytes.Observe(float64(e.BytesRead))

	default:
		if e.FragmentID != "" {
			s.fragmentEvents.WithLabelValues(string(e.Kind)).Inc()
		} else {
			s.handlerEvents.WithLabelValues(string(e.Kind)).Inc()
		}
	}
}

func outcomeFor(kind events.Kind) string {
	switch kind {
	case events.KindFragmentEnd:
		return "end"
	case events.KindFragmentFallback:
		return "fallback"
	default:
		return "error"
	}
}

// timeNow is a var so tests could substitute a fake clock; production
// always uses the wall clock.
var timeNow = time.Now
