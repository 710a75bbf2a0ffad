package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/guardian/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req goopenai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.MaxTokens != 256 {
			t.Errorf("max tokens = %d, want 256", req.MaxTokens)
		}

		resp := goopenai.ChatCompletionResponse{
			Choices: []goopenai.ChatCompletionChoice{{
				Message:      goopenai.ChatCompletionMessage{Role: "assistant", Content: `{"decision":"allow"}`},
				FinishReason: goopenai.FinishReasonStop,
			}},
			Usage: goopenai.Usage{PromptTokens: 10, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o-mini", discardLogger(), WithBaseURL(srv.URL+"/v1/"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are a reviewer.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Tool: exec"}},
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"decision":"allow"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL+"/v1"))
	_, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL+"/v1"), WithName("ollama"))
	if client.Name() != "ollama" {
		t.Errorf("Name = %q", client.Name())
	}
	if _, err := client.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Error("expected an error for HTTP 429")
	}
}
