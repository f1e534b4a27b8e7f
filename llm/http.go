package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	reploop "github.com/arcloop/reploop"
)

// HTTP implements reploop.LanguageModel against any OpenAI-compatible chat
// completions endpoint (OpenAI, OpenRouter, Groq, Ollama, vLLM, ...),
// generalized from the teacher's openaicompat.Provider: that type spoke
// oasis.ChatRequest/ChatResponse with a full Messages/Tools/streaming
// surface, where GenerateRequest/GenerateResponse here are a narrower,
// single-turn-prompt shape, so the wire body is assembled directly rather
// than through the teacher's BuildBody/ParseResponse helpers.
type HTTP struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewHTTP builds an HTTP model client. baseURL is the API root (the
// "/chat/completions" path is appended), e.g. "https://api.openai.com/v1".
func NewHTTP(apiKey, model, baseURL string) *HTTP {
	return &HTTP{apiKey: apiKey, model: model, baseURL: baseURL, client: &http.Client{}}
}

type chatRequestBody struct {
	Model      string           `json:"model"`
	Messages   []chatMessage    `json:"messages"`
	Tools      []chatToolEntry  `json:"tools,omitempty"`
	ToolChoice any              `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatToolEntry struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponseBody struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// GenerateText implements reploop.LanguageModel.
func (h *HTTP) GenerateText(ctx context.Context, req reploop.GenerateRequest) (reploop.GenerateResponse, error) {
	body := chatRequestBody{
		Model:    h.model,
		Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
	}
	for _, t := range req.Toolkit {
		body.Tools = append(body.Tools, chatToolEntry{
			Type: "function",
			Function: chatToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ToolChoice != nil {
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice.Tool},
		}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return reploop.GenerateResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return reploop.GenerateResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return reploop.GenerateResponse{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reploop.GenerateResponse{}, err
	}
	if resp.StatusCode >= 300 {
		return reploop.GenerateResponse{}, fmt.Errorf("llm: %s: status %d: %s", h.baseURL, resp.StatusCode, string(data))
	}

	var parsed chatResponseBody
	if err := json.Unmarshal(data, &parsed); err != nil {
		return reploop.GenerateResponse{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return reploop.GenerateResponse{}, fmt.Errorf("llm: empty choices in response")
	}

	choice := parsed.Choices[0]
	out := reploop.GenerateResponse{
		Text: choice.Message.Content,
		Usage: &reploop.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, reploop.ModelToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// compile-time check
var _ reploop.LanguageModel = (*HTTP)(nil)
