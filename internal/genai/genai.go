// Package genai provides an OpenAI-backed intent classifier used as an
// optional fallback when rule-based recognition yields nothing.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines the minimal interface for chat completions, so tests
// can substitute a mock for the OpenAI client.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model used for classification.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service for intent classification.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a GenAI client. Options not provided fall back to
// the OPENAI_API_KEY and OPENAI_MODEL environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	model := openai.ChatModelGPT4oMini
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: openaiChatService{client: cli}, model: model}, nil
}

const classifySystemPrompt = "You are an intent classifier for a WhatsApp customer service bot. " +
	"Classify the user message into exactly one of the given intent keys. " +
	"Reply with the intent key only, or the word none if no intent applies."

// ClassifyIntent asks the model to pick one of the candidate intent keys for
// the message. It returns "" when the model answers none or with anything
// outside the candidate list; the caller treats "" as unrecognized.
func (c *Client) ClassifyIntent(ctx context.Context, text string, candidates []string) (string, error) {
	if text == "" || len(candidates) == 0 {
		return "", nil
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifySystemPrompt),
			openai.SystemMessage("Intent keys: " + strings.Join(candidates, ", ")),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai: classification request failed", "error", err)
		return "", fmt.Errorf("failed to classify intent: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	answer := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	for _, candidate := range candidates {
		if answer == strings.ToLower(candidate) {
			slog.Debug("genai: classified intent", "intent", candidate)
			return candidate, nil
		}
	}
	slog.Debug("genai: model answer outside candidate list", "answer", answer)
	return "", nil
}
