package reploop

import (
	"encoding/json"
	"fmt"
)

// SubmitResultKind discriminates the outcome of extractSubmit.
type SubmitResultKind int

const (
	SubmitFound SubmitResultKind = iota
	SubmitMissing
	SubmitInvalid
)

// SubmitResult is the §4.6 extraction outcome: Found(payload) | Missing |
// Invalid(message).
type SubmitResult struct {
	Kind    SubmitResultKind
	Payload SubmitPayload
	Message string
}

const submitToolName = "SUBMIT"

// submitArgs is the raw shape of a SUBMIT tool call's arguments. Exactly
// one of Answer, Value, Variable must be set.
type submitArgs struct {
	Answer   *string         `json:"answer"`
	Value    json.RawMessage `json:"value"`
	Variable *string         `json:"variable"`
}

// extractSubmit scans a model response's tool calls for a SUBMIT call and
// validates its shape. It does not resolve a "variable" payload against
// sandbox state — that happens in Finalize, once the call's sandbox is
// known to still be alive.
func extractSubmit(resp GenerateResponse) SubmitResult {
	var found *ModelToolCall
	count := 0
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == submitToolName {
			found = &resp.ToolCalls[i]
			count++
		}
	}
	if count == 0 {
		return SubmitResult{Kind: SubmitMissing}
	}
	if count > 1 {
		return SubmitResult{Kind: SubmitInvalid, Message: "multiple SUBMIT calls in one response"}
	}

	var args submitArgs
	if err := json.Unmarshal(found.Args, &args); err != nil {
		return SubmitResult{Kind: SubmitInvalid, Message: fmt.Sprintf("malformed SUBMIT arguments: %v", err)}
	}

	set := 0
	if args.Answer != nil {
		set++
	}
	if len(args.Value) > 0 && string(args.Value) != "null" {
		set++
	}
	if args.Variable != nil && *args.Variable != "" {
		set++
	}
	switch {
	case set == 0:
		return SubmitResult{Kind: SubmitInvalid, Message: "SUBMIT requires exactly one of answer, value, or variable"}
	case set > 1:
		return SubmitResult{Kind: SubmitInvalid, Message: "SUBMIT must set exactly one of answer, value, or variable, not multiple"}
	}

	switch {
	case args.Answer != nil:
		return SubmitResult{Kind: SubmitFound, Payload: SubmitPayload{Source: SubmitSourceAnswer, Answer: *args.Answer}}
	case len(args.Value) > 0:
		return SubmitResult{Kind: SubmitFound, Payload: SubmitPayload{Source: SubmitSourceValue, Value: args.Value}}
	default:
		return SubmitResult{Kind: SubmitFound, Payload: SubmitPayload{Source: SubmitSourceVariable, Answer: *args.Variable}}
	}
}
