package reploop

import "encoding/json"

// Command is a tagged-union work item consumed one at a time by the
// scheduler's single dispatch loop. Every variant carries a CallID.
type Command interface {
	callID() string
	commandTag() string
}

// SubmitPayload is the decoded content of a Finalize command: exactly one
// of the three SUBMIT forms extracted in §4.6.
type SubmitPayload struct {
	Source SubmitSource
	Answer string          // when Source == SubmitSourceAnswer
	Value  json.RawMessage // when Source == SubmitSourceValue
}

// SubmitSource identifies which SUBMIT field produced a payload.
type SubmitSource string

const (
	SubmitSourceAnswer   SubmitSource = "answer"
	SubmitSourceValue    SubmitSource = "value"
	SubmitSourceVariable SubmitSource = "variable" // resolved to Answer/Value before Finalize
)

// StartCall begins a new call: root (depth 0) or a recursive sub-call
// spawned from a bridge dispatch.
type StartCall struct {
	CallID               string
	Depth                int
	Query                string
	Context              string
	ParentBridgeRequestID string // empty for the root call
	Tools                []Tool
	OutputJSONSchema     json.RawMessage // nil => plain mode
}

func (c StartCall) callID() string    { return c.CallID }
func (c StartCall) commandTag() string { return "StartCall" }

// GenerateStep asks the model for the next step of an existing call.
type GenerateStep struct {
	CallID string
}

func (c GenerateStep) callID() string    { return c.CallID }
func (c GenerateStep) commandTag() string { return "GenerateStep" }

// ExecuteCode runs a fenced code block extracted from the model's last
// response in the call's sandbox.
type ExecuteCode struct {
	CallID string
	Code   string
}

func (c ExecuteCode) callID() string    { return c.CallID }
func (c ExecuteCode) commandTag() string { return "ExecuteCode" }

// CodeExecuted carries the sandbox's output (or a stringified error) back
// into the transcript.
type CodeExecuted struct {
	CallID string
	Output string
}

func (c CodeExecuted) callID() string    { return c.CallID }
func (c CodeExecuted) commandTag() string { return "CodeExecuted" }

// HandleBridgeCall dispatches a BridgeCall frame raised by sandboxed code:
// either a recursive llm_query[_batched] or a user tool invocation.
type HandleBridgeCall struct {
	CallID          string
	BridgeRequestID string
	Method          string
	Args            json.RawMessage
}

func (c HandleBridgeCall) callID() string    { return c.CallID }
func (c HandleBridgeCall) commandTag() string { return "HandleBridgeCall" }

// Finalize ends a call successfully with a SUBMIT payload.
type Finalize struct {
	CallID  string
	Payload SubmitPayload
}

func (c Finalize) callID() string    { return c.CallID }
func (c Finalize) commandTag() string { return "Finalize" }

// FailCall ends a call with an error.
type FailCall struct {
	CallID string
	Err    error
}

func (c FailCall) callID() string    { return c.CallID }
func (c FailCall) commandTag() string { return "FailCall" }

var (
	_ Command = StartCall{}
	_ Command = GenerateStep{}
	_ Command = ExecuteCode{}
	_ Command = CodeExecuted{}
	_ Command = HandleBridgeCall{}
	_ Command = Finalize{}
	_ Command = FailCall{}
)
