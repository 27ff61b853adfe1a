package fragserv

import (
	"net/http"
	"strings"

	"go.uber.org/atomic"
)

// hopByHopHeaders are stripped from a primary fragment's response before
// its headers are copied onto the page response — their values describe
// the upstream's own transport framing, not the reassembled document's.
var hopByHopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Keep-Alive":        true,
	// Link is handled separately: it's translated into preload hints,
	// never copied verbatim.
	"Link": true,
}

// DefaultFilterResponseHeaders is the default filterResponseHeaders
// collaborator (spec.md §6): it copies every upstream header except the
// hop-by-hop and Link entries above.
func DefaultFilterResponseHeaders(upstream http.Header) http.Header {
	out := http.Header{}
	for k, vs := range upstream {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// baselineHeaders returns the headers present on every response,
// whichever of the four head-write paths claims it (spec.md §4.5 step 3).
func baselineHeaders() http.Header {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Content-Type", "text/html")
	return h
}

// headState owns the one-shot shouldWriteHead latch spec.md §3/§9
// describes: it starts open and the first caller to claim it wins the
// right to write the response head; every later caller's claim is a
// no-op. Once claimed, writeHead may be called exactly once by the
// claimant — no further synchronization is needed because only the CAS
// winner ever reaches it.
type headState struct {
	claimed atomic.Bool
	w       http.ResponseWriter
	base    http.Header
}

func newHeadState(w http.ResponseWriter) *headState {
	return &headState{w: w, base: baselineHeaders()}
}

// claim atomically flips the latch. It returns true for exactly one
// caller across the whole request.
func (h *headState) claim() bool {
	return h.claimed.CompareAndSwap(false, true)
}

// writeHead merges the baseline headers with extra, writes the status,
// and flushes — only ever called by the goroutine that won claim().
func (h *headState) writeHead(status int, extra http.Header) {
	dst := h.w.Header()
	for k, vs := range h.base {
		for _, v := range vs {
			dst.Set(k, v)
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	h.w.WriteHeader(status)
	if f, ok := h.w.(http.Flusher); ok {
		f.Flush()
	}
}

// withPreloadLink joins hints into the headers' Link entry, appending to
// (rather than replacing) any Link value already present.
func withPreloadLink(h http.Header, hints []string) http.Header {
	if len(hints) == 0 {
		return h
	}
	existing := h.Get("Link")
	joined := strings.Join(hints, ", ")
	if existing != "" {
		joined = existing + ", " + joined
	}
	h.Set("Link", joined)
	return h
}
