package reploop

import (
	"errors"
	"fmt"
)

// ErrSandboxOverloaded is wrapped into the error a SandboxHandle method
// returns once its worker's inbound frame queue has exceeded
// IncomingFrameQueueCapacity. Handlers that see it via errors.Is treat the
// call as fatal rather than retryable — the worker has already been killed.
var ErrSandboxOverloaded = errors.New("reploop: sandbox inbound frame queue overloaded")

// BudgetResource names one of the four exhaustible resources tracked by Budget.
type BudgetResource string

const (
	ResourceIterations BudgetResource = "iterations"
	ResourceLLMCalls   BudgetResource = "llmCalls"
	ResourceTokens     BudgetResource = "tokens"
	ResourceTime       BudgetResource = "time"
)

// ErrBudgetExhausted is returned when a test-and-decrement fails against an
// exhausted resource. For ResourceIterations it triggers the extract
// fallback before it is surfaced to the caller.
type ErrBudgetExhausted struct {
	Resource  BudgetResource
	CallID    string
	Remaining int64
}

func (e *ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("budget exhausted: call %s resource %s (remaining %d)", e.CallID, e.Resource, e.Remaining)
}

// ErrNoFinalAnswer is returned when the extract fallback could not produce a
// valid SUBMIT after the iteration budget was exhausted.
type ErrNoFinalAnswer struct {
	CallID        string
	MaxIterations int
}

func (e *ErrNoFinalAnswer) Error() string {
	return fmt.Sprintf("call %s: no final answer after %d iterations", e.CallID, e.MaxIterations)
}

// ErrSandbox wraps a sandbox worker infrastructure failure: timeout, bad
// frame, unexpected exit, or IPC disconnect.
type ErrSandbox struct {
	Message string
	Cause   error
}

func (e *ErrSandbox) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sandbox error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("sandbox error: %s", e.Message)
}

func (e *ErrSandbox) Unwrap() error { return e.Cause }

// ErrOutputValidation is returned when a SUBMIT tool call has an invalid
// shape, or a structured answer fails to validate against the call's output
// schema.
type ErrOutputValidation struct {
	Message string
	Raw     string
}

func (e *ErrOutputValidation) Error() string {
	return fmt.Sprintf("output validation: %s", e.Message)
}

// ErrCallStateMissing signals an internal invariant violation: a command
// referenced a callID with no corresponding CallContext. Should be
// unreachable outside a StaleCommandDropped warning race.
type ErrCallStateMissing struct {
	CallID string
}

func (e *ErrCallStateMissing) Error() string {
	return fmt.Sprintf("call state missing: %s", e.CallID)
}

// ErrUnknown is the catch-all for unexpected faults that don't fit the other
// tags.
type ErrUnknown struct {
	Message string
	Cause   error
}

func (e *ErrUnknown) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ErrUnknown) Unwrap() error { return e.Cause }

// SchedulerWarningCode is a stable identifier for a recoverable scheduler
// anomaly, published as a SchedulerWarning event rather than surfaced as an
// error.
type SchedulerWarningCode string

const (
	WarnStaleCommandDropped     SchedulerWarningCode = "STALE_COMMAND_DROPPED"
	WarnQueueClosed             SchedulerWarningCode = "QUEUE_CLOSED"
	WarnCallScopeCleanup        SchedulerWarningCode = "CALL_SCOPE_CLEANUP"
	WarnMixedSubmitAndCode      SchedulerWarningCode = "MIXED_SUBMIT_AND_CODE"
	WarnToolkitDegraded         SchedulerWarningCode = "TOOLKIT_DEGRADED"
	WarnVariableSyncFailed      SchedulerWarningCode = "VARIABLE_SYNC_FAILED"
	WarnStallDetectedEarlyExtract SchedulerWarningCode = "STALL_DETECTED_EARLY_EXTRACT"
	WarnSubmitResolveFailed     SchedulerWarningCode = "SUBMIT_RESOLVE_FAILED"
	WarnSubmitInvalid           SchedulerWarningCode = "SUBMIT_INVALID"
	WarnQueueOverloadedFatal    SchedulerWarningCode = "QUEUE_OVERLOADED_FATAL"
)
