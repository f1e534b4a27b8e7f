package reploop

import (
	"context"
	"encoding/json"
)

// LanguageModel is the external LLM collaborator (§1: out of scope, named
// here as the interface the scheduler depends on; concrete providers live
// in package llm).
type LanguageModel interface {
	GenerateText(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// GenerateRequest is a single model invocation within a call's REPL loop.
type GenerateRequest struct {
	Prompt                    string
	Depth                     int
	IsSubCall                 bool
	Toolkit                   []ToolDefinition // nil when the model is not offered tool calling this turn
	ToolChoice                *ToolChoice      // nil lets the model decide; non-nil forces a specific tool
	DisableToolCallResolution bool             // true on the text-only retry after tool-enabled generation fails
}

// ToolChoice forces the model to call a specific named tool (used to force
// SUBMIT during the extract fallback).
type ToolChoice struct {
	Tool string
}

// ToolDefinition describes a callable tool's name, description, and JSON
// Schema parameters, as presented to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// GenerateResponse is the model's reply: free text plus zero or more tool
// calls (SUBMIT is surfaced here like any other tool call).
type GenerateResponse struct {
	Text      string
	Usage     *Usage
	ToolCalls []ModelToolCall
}

// ModelToolCall is one tool invocation requested by the model.
type ModelToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Usage reports token consumption for one model call.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	TotalTokens       int64
	ReasoningTokens   int64
	CachedInputTokens int64
}
