// Package fragserv implements the Request Handler (C5): the top-level
// pipeline that fetches a page template and its context concurrently,
// feeds the template to the Template Processor, recognises the primary
// fragment to govern the response head, and streams the assembled
// document through the Content-Length Meter into the HTTP response.
package fragserv

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/fragserv/fragserv/internal/events"
	"github.com/fragserv/fragserv/internal/fragment"
	"github.com/fragserv/fragserv/internal/fragtemplate"
	"github.com/fragserv/fragserv/internal/meter"
)

// TemplateFetcher resolves the page template for a request into a
// parsed token stream, using parse to turn raw bytes into tokens. It
// may fail with an *Error carrying KindTemplateNotFound.
type TemplateFetcher func(ctx context.Context, r *http.Request, parse ParseFunc) ([]fragtemplate.Token, error)

// ParseFunc is the parseTemplate collaborator: a pure transform from raw
// template bytes to tokens.
type ParseFunc func(raw io.Reader) ([]fragtemplate.Token, error)

// ContextFetcher resolves the per-request context used to populate
// template slots. Its errors are always non-fatal.
type ContextFetcher func(ctx context.Context, r *http.Request) (map[string]string, error)

// Handler is the Request Handler. Construct one per process and share
// it across requests — it holds no per-request mutable state itself.
type Handler struct {
	// FetchTemplate and FetchContext are the two external collaborators
	// spec.md §1 keeps out of the core's scope.
	FetchTemplate TemplateFetcher
	FetchContext  ContextFetcher
	ParseTemplate ParseFunc

	// Client is shared by every fragment fetch dispatched for a request.
	Client *http.Client

	// Sink observes every event this handler and the fragments/processor
	// beneath it raise (typically wired to a metrics sink, a logger, or
	// events.Multi of both). May be nil.
	Sink events.Sink

	// FilterResponseHeaders projects a primary fragment's upstream
	// response headers before they're merged into the page response.
	// Defaults to DefaultFilterResponseHeaders.
	FilterResponseHeaders func(http.Header) http.Header

	// MaxAssetLinks is the per-fragment index step (spec.md §6).
	MaxAssetLinks int

	// FallbackSnippet replaces an inline fragment's body when it errors
	// with no usable fallback.
	FallbackSnippet []byte
}

func (h *Handler) sink() events.Sink {
	if h.Sink == nil {
		return events.Discard
	}
	return h.Sink
}

func (h *Handler) filterHeaders() func(http.Header) http.Header {
	if h.FilterResponseHeaders != nil {
		return h.FilterResponseHeaders
	}
	return DefaultFilterResponseHeaders
}

// ServeHTTP implements the pipeline described in spec.md §4.5. It's the
// single entry point for every page request, the Go equivalent of an
// Express route handler — except where Express would let you call
// res.send() whenever you're ready, here the response head and body are
// streamed incrementally as upstream fragments resolve, so the
// bookkeeping below exists to answer one question at every step: who
// gets to decide the status code and headers, and when.
//
// Step 1: fetch the page's template and its slot context concurrently —
// two independent upstream calls, each in its own goroutine, each
// reporting back over a buffered (capacity 1) channel so neither
// goroutine blocks if ServeHTTP is slow to receive. This is the same
// "fire off N async calls, wait for all of them" shape you'd write in
// Node as Promise.all([fetchTemplate(), fetchContext()]), just spelled
// out with channels because Go doesn't have a built-in combinator for
// it.
// Step 2: once both are in, a template fetch error is fatal (no page to
// render at all) and short-circuits to failBeforeHead. A context fetch
// error is not — the page renders with whatever slots it has, possibly
// empty ones.
// Step 3: hand the parsed template to the Template Processor
// (internal/fragtemplate), which dispatches one fetch per fragment tag
// and reports fragment-level events back through handlerSink. This
// handler's job is to watch those events for the one thing it actually
// cares about: which fragment is primary, and what status/headers it
// resolved with, since that's what governs the whole page's response.
// Step 4: whichever path claims the response head first — the primary
// fragment's response, its fallback, its error, or "no primary fragment
// at all" — starts streaming the assembled body through the Content-
// Length Meter. ServeHTTP blocks on streamDone until that's done,
// because net/http tears down the connection the moment this method
// returns.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sink := h.sink()
	sink.Emit(events.Event{Kind: events.KindStart})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	type ctxResult struct {
		values map[string]string
		err    error
	}
	type tmplResult struct {
		tokens []fragtemplate.Token
		err    error
	}

	ctxCh := make(chan ctxResult, 1)
	tmplCh := make(chan tmplResult, 1)

	// These two goroutines are the Promise.all([...]) moment: template
	// and context are fetched in parallel because neither depends on the
	// other, and a slow context fetch shouldn't make the template fetch
	// wait around for no reason.
	go func() {
		values, err := h.FetchContext(ctx, r)
		ctxCh <- ctxResult{values, err}
	}()
	go func() {
		tokens, err := h.FetchTemplate(ctx, r, h.ParseTemplate)
		tmplCh <- tmplResult{tokens, err}
	}()

	cr := <-ctxCh
	slots := cr.values
	if cr.err != nil {
		sink.Emit(events.Event{Kind: events.KindContextError, Err: cr.err})
	}
	if slots == nil {
		slots = map[string]string{}
	}

	tr := <-tmplCh
	if tr.err != nil {
		h.failBeforeHead(w, sink, tr.err)
		return
	}

	// headState is the one-shot latch deciding who gets to write the
	// response head. Go doesn't have anything like Express's
	// res.headersSent boolean built into http.ResponseWriter for this
	// kind of "first caller wins, everyone else is a no-op" coordination
	// across goroutines, so headstate.go builds one on top of
	// go.uber.org/atomic.Bool's CompareAndSwap.
	hs := newHeadState(w)

	// io.Pipe is Go's in-memory version of piping one stream into
	// another in Node: pw.Write blocks until pr.Read is ready, so the
	// Template Processor can stream fragment bytes in on one end while
	// the goroutine started by beginStreaming reads them out the other,
	// with nothing buffered in between.
	pr, pw := io.Pipe()

	var mu sync.Mutex
	primaryFound := false
	primaryIndex := -1
	var primaryAttrs fragment.Attrs

	// onFound fires synchronously from the processor's dispatch loop the
	// moment a fragment tag is recognized as primary — before that
	// fragment's upstream call has even been made. It just remembers
	// which index is primary so the event handlers below know which
	// fragment's response actually governs the page.
	onFound := func(f *fragment.Fragment) {
		if !f.Attrs().Primary {
			return
		}
		mu.Lock()
		primaryFound = true
		primaryIndex = f.Index()
		primaryAttrs = f.Attrs()
		mu.Unlock()
	}

	streamDone := make(chan struct{})

	// beginStreaming writes the response head exactly once (the caller
	// must have already won hs.claim()) and then copies the pipe's bytes
	// through the Content-Length Meter to the client, in its own
	// goroutine so the caller — one of the event-handling branches below
	// — doesn't block on the full body being written before it can
	// return control to the processor. Think of it as the point where,
	// in Express, you'd finally call res.writeHead(status, headers) and
	// start res.write()-ing a stream — except here it can be triggered
	// from any one of several different event branches, whichever one
	// gets there first.
	beginStreaming := func(status int, extra http.Header) {
		go func() {
			defer close(streamDone)
			hs.writeHead(status, extra)
			m := meter.New(w, func(total int64) {
				sink.Emit(events.Event{Kind: events.KindEnd, BytesRead: total})
			})
			if _, err := io.Copy(m, pr); err != nil {
				sink.Emit(events.Event{Kind: events.KindError, Err: NewError(KindDownstreamWriteError, err, "")})
				cancel()
			}
			m.Close()
		}()
	}

	// handlerSink is what the processor and every fragment actually emit
	// into — it forwards everything upstream to sink (so metrics/logging
	// still see every event) and additionally reacts to the handful of
	// event kinds that matter for deciding who writes the response head.
	// This is the same "observe everything, act on what you care about"
	// shape as an Express app subscribing one listener to an
	// EventEmitter and switching on event.type inside it.
	handlerSink := events.Func(func(e events.Event) {
		sink.Emit(e)

		switch e.Kind {
		case events.KindFragmentFound:
			// handled synchronously via onFound above, nothing to do here.

		case events.KindFragmentResponse:
			// The primary fragment got a response (any status — spec
			// Open Question #1 resolves this as "whatever the first
			// response is, that's what governs the page", not just 2xx).
			// hs.claim() is the compare-and-swap: if something else
			// already claimed the head (another event branch racing
			// in), this is a no-op.
			mu.Lock()
			isPrimary := primaryFound && e.Index == primaryIndex
			attrs := primaryAttrs
			mu.Unlock()
			if !isPrimary || !hs.claim() {
				return
			}
			filtered := h.filterHeaders()(e.Headers)
			if attrs.ReturnHeaders {
				hints := buildPreloadHints(e.Headers, r.Host)
				filtered = withPreloadLink(filtered, hints)
			}
			beginStreaming(e.Status, filtered)

		case events.KindFragmentFallback:
			// The primary fragment's own URL failed and its fallback
			// responded in its place. The fallback attempt emits its own
			// fragment:response before this event (and a non-2xx answer
			// from the primary URL emits one before that), and the
			// response branch above has already claimed the head with
			// that first response's status and headers. So after a
			// primary fallback the page carries that status, not a 500:
			// hs.claim() below returns false in that flow.
			mu.Lock()
			isPrimary := primaryFound && e.Index == primaryIndex
			mu.Unlock()
			if !isPrimary || !hs.claim() {
				return
			}
			beginStreaming(http.StatusInternalServerError, nil)

		case events.KindFragmentError:
			// The primary fragment failed outright with nothing left to
			// fall back to. There's no body worth streaming at all, so
			// this branch skips beginStreaming entirely and writes the
			// head directly, then tears the pipe down with an error
			// (CloseWithError) so any goroutine still trying to write
			// into it unblocks instead of hanging, and cancels ctx so
			// every other in-flight fragment fetch stops too — there's
			// no longer a page for them to contribute to.
			mu.Lock()
			isPrimary := primaryFound && e.Index == primaryIndex
			mu.Unlock()
			if !isPrimary || !hs.claim() {
				return
			}
			sink.Emit(events.Event{Kind: events.KindError, Err: NewError(KindPrimaryFragmentError, e.Err, "")})
			hs.writeHead(http.StatusInternalServerError, nil)
			pr.CloseWithError(errors.New("primary fragment errored"))
			cancel()
			sink.Emit(events.Event{Kind: events.KindEnd, BytesRead: 0})
			close(streamDone)
		}
	})

	// onDispatchDone fires once the processor has finished walking every
	// token in the template. If no fragment ever claimed to be primary,
	// nobody's going to call beginStreaming from the switch above, so
	// this is the fallback path: claim the head with a plain 200 and
	// start streaming whatever fragments did produce. If a primary
	// fragment does exist, its own event branch already handled (or will
	// handle) the head, so this is a no-op.
	onDispatchDone := func(hasPrimary bool) {
		if hasPrimary {
			return
		}
		if hs.claim() {
			beginStreaming(http.StatusOK, nil)
		}
	}

	proc := fragtemplate.New(fragtemplate.Config{
		MaxAssetLinks:   h.MaxAssetLinks,
		Client:          h.Client,
		Sink:            handlerSink,
		FallbackSnippet: h.FallbackSnippet,
	})

	procErr := proc.Process(ctx, tr.tokens, slots, r.Header, pw, onFound, onDispatchDone)
	pw.CloseWithError(procErr)

	// ServeHTTP must not return before the response body has actually
	// finished writing: the net/http server finalizes the connection the
	// moment this call returns, which would truncate a still-streaming
	// body — there's no equivalent here of Express letting a handler
	// return early while res.end() keeps flushing in the background.
	// Exactly one of the four head-write paths above always closes
	// streamDone, so this never blocks forever in a well-formed
	// pipeline.
	<-streamDone
}

// failBeforeHead handles a fatal template-fetch error (spec.md §7): no
// body has been written yet, so the handler is free to pick the status,
// the same way an Express handler can still call res.status(500).send()
// as long as nothing has written to the response yet.
func (h *Handler) failBeforeHead(w http.ResponseWriter, sink events.Sink, err error) {
	kind := KindTemplateFetchError
	presentable := ""
	var fe *Error
	if errors.As(err, &fe) {
		kind = fe.Kind
		presentable = fe.Presentable
	}

	sink.Emit(events.Event{Kind: events.KindError, Err: err})

	hdr := w.Header()
	for k, vs := range baselineHeaders() {
		hdr[k] = vs
	}
	w.WriteHeader(statusFor(kind))
	if presentable != "" {
		io.WriteString(w, presentable)
	}
	sink.Emit(events.Event{Kind: events.KindEnd, BytesRead: int64(len(presentable))})
}
