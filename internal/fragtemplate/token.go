// Package fragtemplate implements the Template Processor (C4): it
// consumes the parsed token stream, materialises each fragment token
// into a fragment.Fragment, and produces the assembled output byte
// stream in template order, interleaving inline template bytes with
// fragment bodies and reserving slots for async fragments.
package fragtemplate

import "github.com/fragserv/fragserv/internal/fragment"

// TokenKind identifies one of the three shapes a template token can take.
type TokenKind int

const (
	// TokenRaw carries literal template bytes to emit verbatim.
	TokenRaw TokenKind = iota
	// TokenFragment is a placeholder for one fragment.
	TokenFragment
	// TokenSlot is a reserved named insertion point resolved from the
	// per-request context.
	TokenSlot
)

// Token is one unit from the template parser: raw bytes, a fragment
// placeholder, or a named slot.
type Token struct {
	Kind     TokenKind
	Raw      []byte
	Fragment fragment.Attrs
	SlotName string
}

// Raw builds a TokenRaw.
func Raw(b []byte) Token { return Token{Kind: TokenRaw, Raw: b} }

// FragmentToken builds a TokenFragment.
func FragmentToken(attrs fragment.Attrs) Token { return Token{Kind: TokenFragment, Fragment: attrs} }

// Slot builds a TokenSlot.
func Slot(name string) Token { return Token{Kind: TokenSlot, SlotName: name} }

// IndexGenerator produces the strictly increasing sequence
// 0, step, 2*step, ... so each fragment reserves a contiguous
// identifier range (step == maxAssetLinks) for its client-side scripts
// and styles.
type IndexGenerator struct {
	step int
	next int
}

// NewIndexGenerator creates a generator with the given step
// (maxAssetLinks). A step below 1 is treated as 1.
func NewIndexGenerator(step int) *IndexGenerator {
	if step < 1 {
		step = 1
	}
	return &IndexGenerator{step: step}
}

// Next returns the next index and advances the sequence.
func (g *IndexGenerator) Next() int {
	i := g.next
	g.next += g.step
	return i
}

// Peek returns the index Next would return without advancing the sequence.
func (g *IndexGenerator) Peek() int {
	return g.next
}
