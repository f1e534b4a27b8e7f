package reploop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode"
)

// Tool is a user-defined capability that the scheduler runs when a bridge
// call's method matches its Name. The sandbox worker installs no binding
// for it, so scripts cannot call it directly. Tool names must be valid
// identifiers and must not collide with the reserved sandbox bindings (print, __vars, llm_query,
// llm_query_batched).
type Tool struct {
	Name                string
	Description         string
	ParameterNames      []string
	ParametersJSONSchema json.RawMessage
	ReturnsJSONSchema   json.RawMessage
	Handle              func(ctx context.Context, args json.RawMessage) (any, error)
	Timeout             time.Duration
	UsageExamples       []string
}

var reservedBindingNames = map[string]bool{
	"print":              true,
	"__vars":             true,
	"llm_query":          true,
	"llm_query_batched":  true,
}

// validate checks that t is well-formed before it is registered on a call.
func (t Tool) validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool: name must not be empty")
	}
	for i, r := range t.Name {
		if r != '_' && r != '$' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return fmt.Errorf("tool %q: name must be a valid identifier", t.Name)
		}
	}
	if reservedBindingNames[t.Name] {
		return fmt.Errorf("tool %q: name collides with a reserved sandbox binding", t.Name)
	}
	if t.Handle == nil {
		return fmt.Errorf("tool %q: handle must not be nil", t.Name)
	}
	return nil
}

// ToolRegistry resolves bridge calls by tool name for a single call's scope.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry builds a registry from a set of tools, rejecting
// malformed entries or duplicate names.
func NewToolRegistry(tools []Tool) (*ToolRegistry, error) {
	reg := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.tools[t.Name]; exists {
			return nil, fmt.Errorf("tool %q: registered more than once", t.Name)
		}
		reg.tools[t.Name] = t
	}
	return reg, nil
}

// Lookup returns the tool registered under name, if any.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, for building the toolkit offered to
// the language model.
func (r *ToolRegistry) All() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
