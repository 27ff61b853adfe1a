package fragserv

import "fmt"

// Kind identifies one of the error taxonomy entries from spec.md §7.
// It is a classification, not a Go type — every Kind is carried by the
// same wrapped error type below.
type Kind string

const (
	KindTemplateNotFound     Kind = "template_not_found"
	KindTemplateFetchError   Kind = "template_fetch_error"
	KindContextError         Kind = "context_error"
	KindFragmentTimeout      Kind = "fragment_timeout"
	KindFragmentUpstreamErr  Kind = "fragment_upstream_error"
	KindPrimaryFragmentError Kind = "primary_fragment_error"
	KindDownstreamWriteError Kind = "downstream_write_error"
)

// Error carries a Kind alongside the underlying cause and, optionally,
// a body safe to show the client in place of the usual empty response.
type Error struct {
	Kind        Kind
	Err         error
	Presentable string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fragserv: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fragserv: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with kind and an optional presentable body.
func NewError(kind Kind, err error, presentable string) *Error {
	return &Error{Kind: kind, Err: err, Presentable: presentable}
}

// statusFor maps an error Kind to the HTTP status the handler writes
// when the error occurs before the response head has gone out.
func statusFor(kind Kind) int {
	switch kind {
	case KindTemplateNotFound:
		return 404
	default:
		return 500
	}
}
