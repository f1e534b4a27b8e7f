package reploop

import (
	"context"
	"testing"
	"time"
)

func TestCompletionRuntimeCompleteReturnsAnswer(t *testing.T) {
	model := &fakeModel{responses: []GenerateResponse{submitAnswer("42")}}
	newSandbox := func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return newFakeSandbox(), nil
	}
	rt := NewRuntime(testConfig(), model, nil, nil, newSandbox)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := rt.Complete(ctx, CallOptions{Query: "what is the answer"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	answer, ok := result.(Answer)
	if !ok {
		t.Fatalf("expected Answer, got %T", result)
	}
	if answer.Text != "42" {
		t.Fatalf("expected answer 42, got %q", answer.Text)
	}
}

func TestCompletionRuntimeStreamEmitsEvents(t *testing.T) {
	model := &fakeModel{responses: []GenerateResponse{submitAnswer("done")}}
	newSandbox := func(ctx context.Context, callID string, depth int, bridge BridgeHandler) (SandboxHandle, error) {
		return newFakeSandbox(), nil
	}
	rt := NewRuntime(testConfig(), model, nil, nil, newSandbox)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, stop, err := rt.Stream(ctx, CallOptions{Query: "stream me"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stop()

	sawCallStarted := false
	sawCallFinalized := false
	timeout := time.After(5 * time.Second)
	for !sawCallFinalized {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before CallFinalized observed")
			}
			switch e.(type) {
			case CallStarted:
				sawCallStarted = true
			case CallFinalized:
				sawCallFinalized = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for completion events")
		}
	}
	if !sawCallStarted {
		t.Fatalf("expected a CallStarted event before CallFinalized")
	}
}
