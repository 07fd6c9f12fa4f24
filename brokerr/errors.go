// Package brokerr defines the closed set of error kinds the Broker Port and
// the Sizer return. Callers pattern-match on Kind via errors.As instead
// of string-matching broker error messages.
package brokerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds the core distinguishes on.
type Kind string

const (
	// Transport covers network/RPC failures. Retry with backoff next tick.
	Transport Kind = "transport"
	// Validation covers a broker rejection for invalid parameters. Do not
	// retry until inputs change.
	Validation Kind = "validation"
	// NotSupported means the broker rejected an order type the adapter
	// should have translated away. Seeing this is a bug, not a normal
	// outcome, but it must not crash the tick loop.
	NotSupported Kind = "not_supported"
	// AdmissionRejected means the sizer refused the trade. Normal, no retry
	// until the next tick with fresher inputs.
	AdmissionRejected Kind = "admission_rejected"
	// StaleData means the quote is older than the staleness window.
	StaleData Kind = "stale_data"
	// Conflict means reconciliation found a state it must resolve
	// (e.g. multiple protective orders).
	Conflict Kind = "conflict"
)

// Error wraps an underlying error with a Kind the controller can switch on.
type Error struct {
	Kind   Kind
	Symbol string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Symbol, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a brokerr.Error with no wrapped cause (validation/admission/etc).
func New(kind Kind, symbol, reason string) *Error {
	return &Error{Kind: kind, Symbol: symbol, Reason: reason}
}

// Wrap builds a brokerr.Error wrapping a lower-level cause (transport errors).
func Wrap(kind Kind, symbol, reason string, err error) *Error {
	return &Error{Kind: kind, Symbol: symbol, Reason: reason, Err: err}
}

// Is reports whether err is a brokerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Kind == kind
}
