package reploop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeSandbox is a minimal in-memory SandboxHandle for scheduler tests: no
// subprocess, no JavaScript runtime, just a map of bound variables and a
// scripted Execute output.
type fakeSandbox struct {
	mu     sync.Mutex
	vars   map[string]any
	output string
	err    error
	closed bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{vars: make(map[string]any)}
}

func (f *fakeSandbox) Execute(ctx context.Context, code string) (string, error) {
	return f.output, f.err
}

func (f *fakeSandbox) SetVar(ctx context.Context, name string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[name] = value
	return nil
}

func (f *fakeSandbox) GetVar(ctx context.Context, name string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[name]
	return v, ok, nil
}

func (f *fakeSandbox) ListVars(ctx context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.vars))
	for k, v := range f.vars {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSandbox) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type fakeModel struct {
	mu        sync.Mutex
	responses []GenerateResponse
}

func (m *fakeModel) GenerateText(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return GenerateResponse{}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func submitAnswer(answer string) GenerateResponse {
	args, _ := json.Marshal(map[string]string{"answer": answer})
	return GenerateResponse{
		ToolCalls: []ModelToolCall{{ID: "1", Name: submitToolName, Args: args}},
	}
}

func testConfig() Config {
	return Config{
		MaxIterations:        10,
		MaxDepth:             3,
		MaxLLMCalls:          10,
		Concurrency:          2,
		CommandQueueCapacity: 32,
		EventBufferCapacity:  32,
	}.Normalize()
}

func runToCompletion(t *testing.T, model LanguageModel, newSandbox sandboxFactory) rootOutcome {
	t.Helper()
	sched := NewScheduler(testConfig(), "completion-1", model, nil, nil, newSandbox)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sched.Run(ctx, CallOptions{Query: "what is 2+2"})
}

func TestSchedulerRunSubmitsAnswerDirectly(t *testing.T) {
	model := &fakeModel{responses: []GenerateResponse{submitAnswer("4")}}
	newSandbox := func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return newFakeSandbox(), nil
	}
	out := runToCompletion(t, model, newSandbox)
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if out.answer != "4" {
		t.Fatalf("expected answer 4, got %q", out.answer)
	}
}

func TestSchedulerRunExecutesCodeBeforeSubmitting(t *testing.T) {
	model := &fakeModel{responses: []GenerateResponse{
		{Text: "```js\n1+1\n```"},
		submitAnswer("2"),
	}}
	sb := newFakeSandbox()
	sb.output = "2"
	newSandbox := func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return sb, nil
	}
	out := runToCompletion(t, model, newSandbox)
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if out.answer != "2" {
		t.Fatalf("expected answer 2, got %q", out.answer)
	}
	if !sb.closed {
		t.Fatalf("expected sandbox to be closed on finalize")
	}
}

func TestSchedulerRunFailsWhenSandboxSpawnFails(t *testing.T) {
	model := &fakeModel{responses: []GenerateResponse{submitAnswer("4")}}
	wantErr := errSandboxSpawnFailed
	newSandbox := func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return nil, wantErr
	}
	out := runToCompletion(t, model, newSandbox)
	if out.err == nil {
		t.Fatalf("expected an error when sandbox spawn fails")
	}
}

func TestSchedulerRunExhaustsLLMCallBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLLMCalls = 1
	cfg.MaxIterations = 10
	model := &fakeModel{responses: []GenerateResponse{
		{Text: "thinking, no code, no submit"},
		{Text: "still thinking"},
	}}
	sched := NewScheduler(cfg, "completion-budget", model, nil, nil, func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return newFakeSandbox(), nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := sched.Run(ctx, CallOptions{Query: "anything"})
	if out.err == nil {
		t.Fatalf("expected budget exhaustion error, got nil")
	}
}

var errSandboxSpawnFailed = &ErrSandbox{Message: "spawn failed"}
