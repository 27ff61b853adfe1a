// Package tokenizer implements the default ParseTemplate transform:
// it walks a page template's raw HTML and produces the fragtemplate
// token stream the Template Processor consumes, recognising the
// fragment placeholder tag and the slot tag along the way.
package tokenizer

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/net/html"

	"github.com/fragserv/fragserv/internal/fragment"
	"github.com/fragserv/fragserv/internal/fragtemplate"
)

// Config supplies the template-level recognition hints spec.md §6
// calls fragmentTag and slot-tag. Both default to their conventional
// names when empty.
type Config struct {
	// FragmentTag is the element name recognised as a fragment
	// placeholder (default "fragment").
	FragmentTag string
	// SlotTag is the element name recognised as a named slot
	// (default "slot").
	SlotTag string
	// DefaultTimeout applies to fragments whose tag omits `timeout`.
	DefaultTimeout time.Duration
}

func (c Config) fragmentTag() string {
	if c.FragmentTag == "" {
		return "fragment"
	}
	return c.FragmentTag
}

func (c Config) slotTag() string {
	if c.SlotTag == "" {
		return "slot"
	}
	return c.SlotTag
}

// Parse reads raw template HTML and returns the ordered token stream.
// It performs no rendering and no validation beyond tag recognition —
// everything that isn't a recognised placeholder passes through as raw
// bytes, verbatim.
func Parse(r io.Reader, cfg Config) ([]fragtemplate.Token, error) {
	z := html.NewTokenizer(r)
	var tokens []fragtemplate.Token

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("tokenizer: %w", err)
			}
			return tokens, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)

			switch tag {
			case cfg.fragmentTag():
				attrs := parseAttrs(z, hasAttr, cfg.DefaultTimeout)
				tokens = append(tokens, fragtemplate.FragmentToken(attrs))
				if tt == html.StartTagToken {
					skipToClose(z, tag)
				}

			case cfg.slotTag():
				slotName := ""
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "name" {
						slotName = string(val)
					}
				}
				tokens = append(tokens, fragtemplate.Slot(slotName))
				if tt == html.StartTagToken {
					skipToClose(z, tag)
				}

			default:
				tokens = append(tokens, fragtemplate.Raw(rawCopy(z.Raw())))
				// The tokenizer treats <title> and <textarea> content as
				// raw text; scan it as markup so placeholders inside are
				// still recognised.
				if tt == html.StartTagToken && (tag == "title" || tag == "textarea") {
					z.NextIsNotRawText()
				}
			}

		default:
			tokens = append(tokens, fragtemplate.Raw(rawCopy(z.Raw())))
		}
	}
}

// skipToClose discards everything between a placeholder's opening tag
// and its matching close tag, if the author wrote it as a paired
// element (`<fragment ...></fragment>`) instead of self-closing.
// Placeholders carry no meaningful children.
func skipToClose(z *html.Tokenizer, tag string) {
	depth := 1
	for depth > 0 {
		tt := z.Next()
		if tt == html.ErrorToken {
			return
		}
		name, _ := z.TagName()
		if string(name) != tag {
			continue
		}
		switch tt {
		case html.StartTagToken:
			depth++
		case html.EndTagToken:
			depth--
		}
	}
}

func rawCopy(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func parseAttrs(z *html.Tokenizer, hasAttr bool, defaultTimeout time.Duration) fragment.Attrs {
	attrs := fragment.Attrs{Timeout: defaultTimeout}
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		v := string(val)
		switch string(key) {
		case "src":
			attrs.URL = v
		case "id":
			attrs.ID = v
		case "primary":
			attrs.Primary = boolAttr(v)
		case "async":
			attrs.Async = boolAttr(v)
		case "public":
			attrs.Public = boolAttr(v)
		case "fallback-url":
			attrs.FallbackURL = v
		case "return-headers":
			attrs.ReturnHeaders = boolAttr(v)
		case "timeout":
			if ms, err := strconv.Atoi(v); err == nil {
				attrs.Timeout = time.Duration(ms) * time.Millisecond
			}
		}
	}
	return attrs
}

// boolAttr treats bare presence (`primary` or `primary=""`) and
// `"true"` as true; `"false"` as false.
func boolAttr(v string) bool {
	return v != "false"
}
