package fragtemplate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fragserv/fragserv/internal/asyncstream"
	"github.com/fragserv/fragserv/internal/events"
	"github.com/fragserv/fragserv/internal/fragment"
)

// Config configures one Processor run.
type Config struct {
	// MaxAssetLinks is the index step between successive fragments
	// (spec.md §6's maxAssetLinks).
	MaxAssetLinks int
	// Client is the HTTP client used for every fragment fetch.
	Client *http.Client
	// Sink receives every fragment and processor-level event.
	Sink events.Sink
	// FallbackSnippet is substituted inline when an inline fragment
	// errors and has no fallback-url (or its fallback also failed).
	FallbackSnippet []byte
}

// Processor consumes a parsed token stream and writes the assembled
// document — inline bytes in template order, followed by the trailing
// Async section — to an io.Writer.
type Processor struct {
	cfg      Config
	indexGen *IndexGenerator
	async    *asyncstream.Stream
}

// New creates a Processor. Each Processor is single-use: one template
// processing run per request.
func New(cfg Config) *Processor {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	return &Processor{
		cfg:      cfg,
		indexGen: NewIndexGenerator(cfg.MaxAssetLinks),
		async:    asyncstream.New(cfg.Sink),
	}
}

// pending is a fragment token whose fetch has already been dispatched.
type pending struct {
	frag   *fragment.Fragment
	result chan io.Reader
}

// Process walks tokens once to discover and dispatch every fragment
// fetch concurrently (so fragment N+1's request starts without waiting
// on fragment N), then walks them again in order to emit bytes: raw
// tokens verbatim, slots resolved from slotValues, inline fragments
// spliced between Pipe.start/Pipe.end markers, and async fragments
// represented by a placeholder marker while their body streams into the
// trailing Async section.
//
// onFragmentFound is called synchronously, in template order, the
// moment each fragment is materialised — before its fetch is dispatched
// — so a caller (the Request Handler) can recognize the primary
// fragment and start listening for its events before any network call
// begins.
//
// onDispatchDone is called once, synchronously, after every fragment in
// the template has been discovered and dispatched (the phase 1/phase 2
// boundary) and before any byte reaches out. It reports whether a
// primary fragment was found anywhere in the template, letting the
// caller decide immediately whether anything will ever claim the
// response head on the primary's behalf, instead of waiting for the
// whole document to finish (which would deadlock against an
// unconsumed out).
func (p *Processor) Process(
	ctx context.Context,
	tokens []Token,
	slotValues map[string]string,
	inbound http.Header,
	out io.Writer,
	onFragmentFound func(*fragment.Fragment),
	onDispatchDone func(hasPrimary bool),
) error {
	pendings := make([]*pending, len(tokens))
	sawPrimary := false

	// Phase 1: discover and dispatch every fragment's fetch up front, in
	// template order, without waiting for any of them to complete.
	for i, tok := range tokens {
		if tok.Kind != TokenFragment {
			continue
		}

		attrs := tok.Fragment
		if attrs.Primary && sawPrimary {
			// At most one primary per template (spec.md §3): the first
			// wins, later ones are degraded with a warning.
			p.cfg.Sink.Emit(events.Event{
				Kind:    events.KindFragmentWarn,
				Index:   p.indexGen.Peek(),
				Message: "multiple primary fragments declared; degrading to non-primary",
			})
			attrs.Primary = false
		} else if attrs.Primary {
			sawPrimary = true
		}

		idx := p.indexGen.Next()
		frag := fragment.New(attrs, idx, p.cfg.Client, p.cfg.Sink)

		p.cfg.Sink.Emit(events.Event{
			Kind:       events.KindFragmentFound,
			FragmentID: frag.CorrelationID(),
			Index:      idx,
			Primary:    attrs.Primary,
		})
		if onFragmentFound != nil {
			onFragmentFound(frag)
		}

		pd := &pending{frag: frag, result: make(chan io.Reader, 1)}
		pendings[i] = pd

		go func() {
			pd.result <- frag.Fetch(ctx, inbound)
		}()
	}

	if onDispatchDone != nil {
		onDispatchDone(sawPrimary)
	}

	// Phase 2: emit bytes in template order.
	for i, tok := range tokens {
		switch tok.Kind {
		case TokenRaw:
			if _, err := out.Write(tok.Raw); err != nil {
				return err
			}

		case TokenSlot:
			if v, ok := slotValues[tok.SlotName]; ok {
				if _, err := io.WriteString(out, v); err != nil {
					return err
				}
			}

		case TokenFragment:
			pd := pendings[i]
			if tok.Fragment.Async {
				if err := p.emitAsync(pd, out); err != nil {
					return err
				}
			} else {
				if err := p.emitInline(pd, out); err != nil {
					return err
				}
			}
		}
	}

	p.async.Plug()
	if _, err := io.Copy(out, p.async); err != nil {
		return err
	}
	return nil
}

func (p *Processor) emitInline(pd *pending, out io.Writer) error {
	idx := pd.frag.Index()
	writeMarker(out, "start", idx)

	body := <-pd.result
	if _, err := io.Copy(out, body); err != nil {
		return err
	}

	if pd.frag.State() == fragment.StateErrored && len(p.cfg.FallbackSnippet) > 0 {
		if _, err := out.Write(p.cfg.FallbackSnippet); err != nil {
			return err
		}
	}

	writeMarker(out, "end", idx)
	return nil
}

func (p *Processor) emitAsync(pd *pending, out io.Writer) error {
	idx := pd.frag.Index()
	writeMarker(out, "placeholder", idx)

	w, err := p.async.Attach(strconv.Itoa(idx))
	if err != nil {
		// Spec's Open Question resolution: rejected post-seal
		// attachments are logged, never fatal to the main document.
		return nil
	}

	go func() {
		defer w.Close()
		body := <-pd.result
		if pd.frag.State() == fragment.StateErrored && len(p.cfg.FallbackSnippet) > 0 {
			w.Write(p.cfg.FallbackSnippet)
			return
		}
		io.Copy(w, body)
	}()

	return nil
}

func writeMarker(out io.Writer, op string, idx int) {
	switch op {
	case "placeholder":
		fmt.Fprintf(out, "<script>Pipe.placeholder(%d)</script>", idx)
	default:
		fmt.Fprintf(out, "<script>Pipe.%s(%d)</script>", op, idx)
	}
}
