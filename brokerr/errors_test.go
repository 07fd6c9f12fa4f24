package brokerr

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(Validation, "AAPL", "bad_param")
	if !Is(err, Validation) {
		t.Fatal("expected Is to match Validation kind")
	}
	if Is(err, Transport) {
		t.Fatal("did not expect Is to match Transport kind")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("boom"), Transport) {
		t.Fatal("expected Is to return false for a non-brokerr error")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transport, "MSFT", "submit_failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorStringIncludesReason(t *testing.T) {
	err := New(AdmissionRejected, "TSLA", "cash_reserve_violated")
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error string")
	}
}
