// Package asyncstream implements the Async Stream (C2): an ordered,
// multiplexed output channel that accepts N independently-produced "late"
// HTML streams — one per async fragment — and concatenates them, in the
// order each one started producing bytes, into a single byte stream with
// one reader (the response pipe).
//
// If you're coming from Node, the closest mental model is several
// readable streams being piped into one shared writable one, except
// nothing here is allowed to interleave mid-chunk — each producer gets
// exclusive use of the shared pipe from its first byte until it's done,
// the way you'd serialize writes to a single socket by hand if Node
// didn't already do it for you under pipe().
package asyncstream

import (
	"errors"
	"io"
	"sync"

	"github.com/fragserv/fragserv/internal/events"
)

// ErrSealed is returned by Attach once Plug has been called. The spec
// leaves this case unguarded in the source it was distilled from; this
// port resolves it as an explicit error rather than silent acceptance.
var ErrSealed = errors.New("asyncstream: attach after plugged")

// Stream multiplexes attached sub-streams into one io.Reader. Output
// from different sub-streams never interleaves within a chunk: a
// sub-stream claims the shared pipe the moment its first byte is
// written and holds it until Close, so its bytes land contiguously in
// the order its first chunk arrived relative to the others.
//
// Internally this is built on io.Pipe, which is Go's in-process
// equivalent of a Node Duplex stream pair: pw.Write blocks until pr.Read
// is ready to receive, so bytes flow through without ever being
// buffered on the heap. turn is the baton — a sync.Mutex used not for
// protecting shared data but as a lock in the literal sense, handed to
// whichever sub-stream is "on air" right now. That's a slightly unusual
// use of a mutex (most Go code reaches for one to guard a struct field,
// not to serialize unrelated writers), so it's worth naming explicitly
// here rather than leaving a reader to infer it.
type Stream struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	sink events.Sink

	mu       sync.Mutex
	turn     sync.Mutex // baton held by whichever sub-stream is currently writing
	attached int
	closed   int
	plugged  bool
	sealed   bool
}

// New creates an Async Stream. sink receives the plugged event and any
// warnings about rejected post-seal attachments.
func New(sink events.Sink) *Stream {
	if sink == nil {
		sink = events.Discard
	}
	pr, pw := io.Pipe()
	return &Stream{pr: pr, pw: pw, sink: sink}
}

// Read implements io.Reader; it is the single consumer side fed by the
// response pipe.
func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Attach registers a new sub-stream identified by id (normally the
// fragment's index or id attribute) and returns the writer the producer
// should stream its body into. Attach fails with ErrSealed once Plug has
// been called.
//
// In Node terms, this is the moment you'd normally call
// somePassThrough.pipe(sharedStream) — except here the caller gets back
// a handle (the io.WriteCloser) to write into directly, since Go
// doesn't have a built-in notion of piping one stream into another.
func (s *Stream) Attach(id string) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		s.sink.Emit(events.Event{
			Kind:       events.KindAsyncWarn,
			FragmentID: id,
			Message:    "attachment rejected: async stream already plugged",
		})
		return nil, ErrSealed
	}

	s.attached++
	return &subWriter{s: s, id: id}, nil
}

// Plug declares that no further attachments will be made. It is called
// once the template's synchronous portion has finished processing. If
// every attached sub-stream has already closed (including the
// zero-attachments case), the Async Stream closes immediately.
func (s *Stream) Plug() {
	s.mu.Lock()
	s.sealed = true
	s.plugged = true
	allDone := s.closed >= s.attached
	s.mu.Unlock()

	s.sink.Emit(events.Event{Kind: events.KindAsyncPlugged})

	if allDone {
		s.pw.Close()
	}
}

// markDone records that one sub-stream has finished and closes the
// underlying pipe once every attached sub-stream is done and Plug has
// already been called.
func (s *Stream) markDone() {
	s.mu.Lock()
	s.closed++
	allDone := s.plugged && s.closed >= s.attached
	s.mu.Unlock()

	if allDone {
		s.pw.Close()
	}
}

// subWriter is the per-attachment handle returned by Attach.
type subWriter struct {
	s       *Stream
	id      string
	started bool
	once    sync.Once
}

// Write claims the shared pipe on the sub-stream's first call and holds
// it for every subsequent call until Close, guaranteeing this
// sub-stream's bytes are never interrupted by another's.
//
// Step 1: on the very first Write, lock turn. Every later Write from
// this same subWriter skips the lock — it's already held — so those
// calls go straight through. This is the same shape as double-checked
// initialization you'd see in a lazy getter, just applied to a lock
// instead of a value.
// Step 2: forward the bytes to the shared pipe writer. Because turn is
// still held, no other sub-stream's Write can interleave with this
// one's until Close releases it.
func (w *subWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.s.turn.Lock()
		w.started = true
	}
	return w.s.pw.Write(p)
}

// Close releases the shared pipe (if this sub-stream ever wrote
// anything) and marks the attachment done. Safe to call exactly once per
// the io.WriteCloser contract; repeated calls are no-ops.
func (w *subWriter) Close() error {
	w.once.Do(func() {
		if w.started {
			w.s.turn.Unlock()
		}
		w.s.markDone()
	})
	return nil
}
