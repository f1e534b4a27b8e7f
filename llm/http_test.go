package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	reploop "github.com/arcloop/reploop"
)

func TestHTTPGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header: %q", got)
		}
		var body chatRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body.Model != "gpt-test" {
			t.Errorf("expected model gpt-test, got %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "hello" {
			t.Errorf("unexpected messages: %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hi there", "tool_calls": []}}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer srv.Close()

	model := NewHTTP("test-key", "gpt-test", srv.URL)
	resp, err := model.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("expected text 'hi there', got %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestHTTPGenerateTextErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	model := NewHTTP("", "gpt-test", srv.URL)
	_, err := model.GenerateText(context.Background(), reploop.GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
}

func TestHTTPGenerateTextForcesToolChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		forced, ok := body.ToolChoice.(map[string]any)
		if !ok {
			t.Fatalf("expected tool_choice to be set, got %v", body.ToolChoice)
		}
		if forced["type"] != "function" {
			t.Errorf("expected forced function tool choice, got %+v", forced)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": ""}}]}`))
	}))
	defer srv.Close()

	model := NewHTTP("", "gpt-test", srv.URL)
	_, err := model.GenerateText(context.Background(), reploop.GenerateRequest{
		Prompt:     "hello",
		ToolChoice: &reploop.ToolChoice{Tool: "SUBMIT"},
	})
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
}
