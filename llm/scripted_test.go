package llm

import (
	"context"
	"errors"
	"testing"

	reploop "github.com/arcloop/reploop"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	m := NewScripted().
		Enqueue(reploop.GenerateResponse{Text: "first"}).
		Enqueue(reploop.GenerateResponse{Text: "second"})

	resp, err := m.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "a"})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if resp.Text != "first" {
		t.Fatalf("expected first, got %q", resp.Text)
	}

	resp, err = m.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "b"})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if resp.Text != "second" {
		t.Fatalf("expected second, got %q", resp.Text)
	}
}

func TestScriptedEnqueueError(t *testing.T) {
	wantErr := errors.New("boom")
	m := NewScripted().EnqueueError(wantErr)

	_, err := m.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "a"})
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestScriptedExhaustedQueueErrors(t *testing.T) {
	m := NewScripted()
	_, err := m.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "a"})
	if err == nil {
		t.Fatalf("expected an error from an exhausted queue")
	}
}

func TestScriptedRecordsCalls(t *testing.T) {
	m := NewScripted().Enqueue(reploop.GenerateResponse{Text: "ok"})
	_, _ = m.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "remember me"})

	calls := m.Calls()
	if len(calls) != 1 || calls[0].Prompt != "remember me" {
		t.Fatalf("unexpected calls recorded: %+v", calls)
	}
}
