package reploop

import (
	"errors"
	"testing"
)

func TestErrBudgetExhaustedError(t *testing.T) {
	e := &ErrBudgetExhausted{Resource: ResourceIterations, CallID: "c1", Remaining: 0}
	want := "budget exhausted: call c1 resource iterations (remaining 0)"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrNoFinalAnswerError(t *testing.T) {
	e := &ErrNoFinalAnswer{CallID: "c1", MaxIterations: 20}
	want := "call c1: no final answer after 20 iterations"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrSandboxUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	e := &ErrSandbox{Message: "execute timed out", Cause: cause}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	want := "sandbox error: execute timed out: broken pipe"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrSandboxNoCause(t *testing.T) {
	e := &ErrSandbox{Message: "worker exited"}
	want := "sandbox error: worker exited"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrOutputValidationError(t *testing.T) {
	e := &ErrOutputValidation{Message: "both answer and value set", Raw: `{"answer":"x","value":1}`}
	want := "output validation: both answer and value set"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrCallStateMissingError(t *testing.T) {
	e := &ErrCallStateMissing{CallID: "c9"}
	want := "call state missing: c9"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrUnknownUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := &ErrUnknown{Message: "unexpected", Cause: cause}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestErrorsImplementError(t *testing.T) {
	var _ error = (*ErrBudgetExhausted)(nil)
	var _ error = (*ErrNoFinalAnswer)(nil)
	var _ error = (*ErrSandbox)(nil)
	var _ error = (*ErrOutputValidation)(nil)
	var _ error = (*ErrCallStateMissing)(nil)
	var _ error = (*ErrUnknown)(nil)
}
