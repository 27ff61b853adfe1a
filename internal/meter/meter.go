// Package meter implements the Content-Length Meter (C1): a pass-through
// byte stream that counts everything written to it and reports the total
// once on Close.
package meter

import "io"

// Meter wraps a downstream io.Writer, forwarding every Write unchanged
// while accumulating the byte count. On Close it invokes onClose exactly
// once with the total bytes successfully forwarded, regardless of
// whether the stream ended cleanly or with an error.
//
// This is a decorator in the plainest sense — in Node terms, think of
// wrapping a writable stream so every .write() call still goes through
// to the real destination, but you also tally the bytes as they pass.
// There's no interception of content, just counting.
//
// Write forwards to dst and returns dst's own (n, err) unchanged. Go's
// io.Writer contract is part of why this is simple to get right: Write
// always returns how many bytes actually landed, even on a failed or
// partial write, so Step 1 below — add n to the running total — happens
// before Step 2 — check err — and a short write still leaves the total
// accurate. There's no separate error-recovery path to write, because
// the caller already gets the real error back and decides what to do
// with it; Meter's only job is to keep counting regardless of outcome.
type Meter struct {
	dst     io.Writer
	onClose func(total int64)
	total   int64
	closed  bool
}

// New wraps dst. onClose is called once, from Close, with the total
// number of bytes that were successfully written to dst. In Express
// terms this onClose callback is like the 'finish' event on a writable
// response stream — one notification, fired once, when the stream is
// done — except here we pass it in explicitly instead of subscribing to
// an event emitter, since Go doesn't have one built in for this.
func New(dst io.Writer, onClose func(total int64)) *Meter {
	return &Meter{dst: dst, onClose: onClose}
}

// Write forwards p to the downstream writer and counts the bytes that
// made it through, even on a short write or an error.
func (m *Meter) Write(p []byte) (int, error) {
	// Step 1: forward the write and capture how many bytes actually
	// landed downstream — not just len(p), in case of a short write.
	n, err := m.dst.Write(p)
	// Step 2: count first, check err second. Whatever n bytes made it
	// through count toward the total regardless of whether err is set.
	m.total += int64(n)
	return n, err
}

// Total returns the running byte count without closing the meter.
func (m *Meter) Total() int64 {
	return m.total
}

// Close fires the completion callback with the final count. Safe to
// call more than once; only the first call invokes onClose — the same
// "idempotent close" guarantee io.Closer implementations in the stdlib
// (e.g. os.File) aim for, so callers don't need to track whether they
// already closed something.
func (m *Meter) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.onClose != nil {
		m.onClose(m.total)
	}
	return nil
}
