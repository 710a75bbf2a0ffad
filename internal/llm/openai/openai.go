// Package openai implements the LLM provider interface for the OpenAI Chat Completions API.
// It also serves OpenAI-compatible gateways (Ollama, vLLM, LiteLLM) through WithBaseURL.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/guardian/internal/llm"
)

const defaultMaxTokens = 512

// Client implements llm.Provider using the OpenAI Chat Completions API.
type Client struct {
	model  string
	name   string
	client *goopenai.Client
	logger *slog.Logger
}

type options struct {
	baseURL    string
	httpClient *http.Client
	name       string
}

// Option configures the OpenAI client.
type Option func(*options)

// WithBaseURL overrides the API base URL, including the /v1 suffix.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434/v1") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	o := options{name: "openai"}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}

	return &Client{
		model:  model,
		name:   o.name,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation as a single chat completion.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, llm.ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	c.logger.DebugContext(ctx, "chat completion received",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.PromptTokens),
		slog.Int("output_tokens", resp.Usage.CompletionTokens),
	)

	return &llm.Response{
		Content:    choice.Message.Content,
		StopReason: mapFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func mapFinishReason(r goopenai.FinishReason) string {
	switch r {
	case goopenai.FinishReasonStop:
		return "end_turn"
	case goopenai.FinishReasonLength:
		return "max_tokens"
	default:
		return string(r)
	}
}
