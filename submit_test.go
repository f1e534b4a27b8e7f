package reploop

import (
	"encoding/json"
	"testing"
)

func toolCall(name, argsJSON string) ModelToolCall {
	return ModelToolCall{ID: "1", Name: name, Args: json.RawMessage(argsJSON)}
}

func TestExtractSubmitMissing(t *testing.T) {
	result := extractSubmit(GenerateResponse{Text: "no tool calls here"})
	if result.Kind != SubmitMissing {
		t.Fatalf("expected SubmitMissing, got %v", result.Kind)
	}
}

func TestExtractSubmitAnswer(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `{"answer":"42"}`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitFound {
		t.Fatalf("expected SubmitFound, got %v: %s", result.Kind, result.Message)
	}
	if result.Payload.Source != SubmitSourceAnswer || result.Payload.Answer != "42" {
		t.Fatalf("unexpected payload: %+v", result.Payload)
	}
}

func TestExtractSubmitValue(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `{"value":{"x":1}}`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitFound || result.Payload.Source != SubmitSourceValue {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExtractSubmitVariable(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `{"variable":"result"}`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitFound || result.Payload.Source != SubmitSourceVariable || result.Payload.Answer != "result" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExtractSubmitMultipleCallsInvalid(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{
		toolCall("SUBMIT", `{"answer":"a"}`),
		toolCall("SUBMIT", `{"answer":"b"}`),
	}}
	result := extractSubmit(resp)
	if result.Kind != SubmitInvalid {
		t.Fatalf("expected SubmitInvalid, got %v", result.Kind)
	}
}

func TestExtractSubmitNoFieldsSetInvalid(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `{}`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitInvalid {
		t.Fatalf("expected SubmitInvalid, got %v", result.Kind)
	}
}

func TestExtractSubmitMultipleFieldsSetInvalid(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `{"answer":"a","variable":"x"}`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitInvalid {
		t.Fatalf("expected SubmitInvalid, got %v", result.Kind)
	}
}

func TestExtractSubmitMalformedArgsInvalid(t *testing.T) {
	resp := GenerateResponse{ToolCalls: []ModelToolCall{toolCall("SUBMIT", `not json`)}}
	result := extractSubmit(resp)
	if result.Kind != SubmitInvalid {
		t.Fatalf("expected SubmitInvalid, got %v", result.Kind)
	}
}
