// Package fragment implements the Fragment (C3): a state machine
// representing one upstream fragment request. It fetches the fragment's
// HTML, applies a timeout, retries against a fallback URL on failure,
// and exposes the body as a byte stream alongside a fixed set of
// lifecycle events.
package fragment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fragserv/fragserv/internal/events"
)

// State is one step of the Fragment lifecycle:
// pending -> requesting -> responding -> streaming -> {ended|fallback|errored}.
type State string

const (
	StatePending    State = "pending"
	StateRequesting State = "requesting"
	StateResponding State = "responding"
	StateStreaming  State = "streaming"
	StateEnded      State = "ended"
	StateFallback   State = "fallback"
	StateErrored    State = "errored"
)

// ErrorKind classifies why a fragment failed. It mirrors the error
// taxonomy in spec.md §7 for the fragment-local subset.
type ErrorKind string

const (
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindUpstream ErrorKind = "upstream"
)

// Attrs is the immutable record parsed from a fragment's template tag.
type Attrs struct {
	URL           string
	ID            string
	Primary       bool
	Async         bool
	Public        bool
	FallbackURL   string
	Timeout       time.Duration
	ReturnHeaders bool
}

// DefaultAllowList is the request-header allow-list forwarded upstream
// when Attrs.Public is false.
var DefaultAllowList = []string{"Accept-Language", "User-Agent"}

// Fragment fetches one upstream fragment and exposes its body as an
// io.Reader. Fetch blocks until the body phase begins (or the fragment
// has failed), so callers run it in a goroutine of their own.
type Fragment struct {
	attrs  Attrs
	index  int
	client *http.Client
	sink   events.Sink

	// correlationID is a stable id used for logging/metrics correlation
	// even when the template omits Attrs.ID.
	correlationID string

	state State
	body  io.ReadCloser // set once the response body phase begins

	triedFallback bool
}

// New creates a Fragment for one template tag occurrence. index is the
// identifier slot assigned by the Template Processor's index generator.
func New(attrs Attrs, index int, client *http.Client, sink events.Sink) *Fragment {
	if client == nil {
		client = http.DefaultClient
	}
	if sink == nil {
		sink = events.Discard
	}
	// Redirects are not followed: a 3xx from the upstream is the
	// fragment's response, so a primary fragment's 3xx and Location reach
	// the page response.
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	client = &noRedirect
	id := attrs.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Fragment{
		attrs:         attrs,
		index:         index,
		client:        client,
		sink:          sink,
		correlationID: id,
		state:         StatePending,
	}
}

// Attrs returns the fragment's parsed attributes.
func (f *Fragment) Attrs() Attrs { return f.attrs }

// Index returns the identifier slot assigned to this fragment.
func (f *Fragment) Index() int { return f.index }

// CorrelationID returns the fragment's stable id (the template's `id`
// attribute, or a generated uuid when absent).
func (f *Fragment) CorrelationID() string { return f.correlationID }

// State returns the fragment's current lifecycle state.
func (f *Fragment) State() State { return f.state }

// Fetch dispatches the upstream request and returns a reader over the
// fragment's body. Fetch itself blocks until the body phase begins (i.e.
// until a response has been classified as successful, whether from the
// primary URL or a fallback) or the fragment has failed.
//
// Fetch always returns a non-nil reader; on total failure the reader is
// empty (io.EOF immediately) and the terminal error event has already
// been emitted by the time Fetch returns.
//
// The Template Processor calls this once per fragment tag, each from
// its own goroutine — the same "one goroutine per unit of concurrent
// work, reported back through a channel" shape the teacher's provider
// dispatch uses per streaming chunk. Every f.sink.Emit call below is
// therefore happening concurrently with every other fragment's Emit
// calls on the same request; the Sink implementation is the one that
// has to be safe for that, not this method (see internal/metrics.Sink
// for what that guarantee costs when the sink keeps its own state).
//
// Step 1: try the primary URL.
// Step 2: on timeout, emit a timeout event — purely informational, the
// retry below happens either way.
// Step 3: if a fallback URL is configured and hasn't been tried yet,
// retry against it. Think of this like a .catch() in a fetch() chain
// that retries against a backup host: the original error is preserved
// and attached to the fallback event so downstream logging still knows
// what the primary attempt's failure actually was.
// Step 4: if there's no fallback, or the fallback also failed, the
// fragment is done for — emit the terminal error event and return an
// empty reader so the caller's io.Copy sees a clean EOF instead of
// hanging.
func (f *Fragment) Fetch(ctx context.Context, inbound http.Header) io.Reader {
	f.state = StateRequesting
	f.sink.Emit(events.Event{Kind: events.KindFragmentStart, FragmentID: f.correlationID, Index: f.index})

	body, err := f.attempt(ctx, f.attrs.URL, inbound)
	if err == nil {
		f.state = StateStreaming
		f.body = body
		return f.countingBody(f.body, events.KindFragmentEnd)
	}

	kind := classify(err)
	if kind == ErrorKindTimeout {
		f.sink.Emit(events.Event{Kind: events.KindFragmentTimeout, FragmentID: f.correlationID, Index: f.index})
	}

	if f.attrs.FallbackURL != "" && !f.triedFallback {
		f.triedFallback = true
		fbBody, fbErr := f.attempt(ctx, f.attrs.FallbackURL, inbound)
		if fbErr == nil {
			f.state = StateFallback
			f.body = fbBody
			f.sink.Emit(events.Event{
				Kind: events.KindFragmentFallback, FragmentID: f.correlationID, Index: f.index,
				Err: err,
			})
			return f.countingBody(f.body, events.KindFragmentFallback)
		}
		err = fbErr
	}

	f.state = StateErrored
	f.sink.Emit(events.Event{Kind: events.KindFragmentError, FragmentID: f.correlationID, Index: f.index, Err: err})
	return bytes.NewReader(nil)
}

// attempt performs one HTTP round trip against url, applying the
// fragment's timeout and returning the successful response body (status
// in the 2xx range). Non-2xx responses are reported as upstream errors.
func (f *Fragment) attempt(ctx context.Context, url string, inbound http.Header) (io.ReadCloser, error) {
	// context.WithTimeout is Go's version of AbortController + setTimeout
	// in the fetch API: it gives us a context that cancels itself after
	// attrs.Timeout elapses, and http.NewRequestWithContext below wires
	// that cancellation into the actual HTTP round trip, so a slow
	// upstream gets its connection torn down instead of hanging the
	// fragment forever. The deadline covers reading the body too, so
	// cancel is not deferred here: it runs on the error paths below, or
	// when the returned body is closed.
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if f.attrs.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, f.attrs.Timeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	applyInboundHeaders(req.Header, inbound, f.attrs.Public)

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	f.state = StateResponding
	f.sink.Emit(events.Event{
		Kind: events.KindFragmentResponse, FragmentID: f.correlationID, Index: f.index,
		Status: resp.StatusCode, Headers: map[string][]string(resp.Header),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &httpStatusError{status: resp.StatusCode}
	}
	return &cancelBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelBody releases the request's timeout context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// countingBody wraps the response body so that, once it is fully
// consumed (EOF) or errors, the fragment's end-of-body event fires
// exactly once with the number of bytes read. kind is KindFragmentEnd
// for the primary-path success case and KindFragmentFallback when the
// fallback already claimed the terminal event — in that case no further
// event is emitted here, since fallback already is the terminal event.
func (f *Fragment) countingBody(body io.ReadCloser, kind events.Kind) io.Reader {
	return &terminalBody{
		body: body,
		onEOF: func(n int64) {
			if kind == events.KindFragmentEnd {
				f.state = StateEnded
				f.sink.Emit(events.Event{Kind: events.KindFragmentEnd, FragmentID: f.correlationID, Index: f.index, BytesRead: n})
			}
		},
	}
}

type terminalBody struct {
	body  io.ReadCloser
	onEOF func(n int64)
	total int64
	fired bool
}

func (t *terminalBody) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	t.total += int64(n)
	if err != nil && !t.fired {
		t.fired = true
		t.body.Close()
		if t.onEOF != nil {
			t.onEOF(t.total)
		}
	}
	return n, err
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return "fragment upstream returned non-2xx status"
}

// timeouter matches net.Error without importing net for a single check.
type timeouter interface {
	Timeout() bool
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindUpstream
}

func applyInboundHeaders(dst http.Header, inbound http.Header, public bool) {
	if inbound == nil {
		return
	}
	if public {
		for k, vs := range inbound {
			for _, v := range vs {
				dst.Add(k, v)
			}
		}
		return
	}
	for _, k := range DefaultAllowList {
		if v := inbound.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}
