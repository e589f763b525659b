// Package genai implements the responder on the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/botmesh/limepipe/internal/dispatch"
	"github.com/botmesh/limepipe/internal/models"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant chatting with a user on a messaging platform. Keep answers short and conversational."

// ErrNoChoicesReturned indicates the completion response carried no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the OpenAI SDK service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey       string // OpenAI API key (overrides $OPENAI_API_KEY)
	Model        string // chat model, defaults to gpt-4o-mini
	SystemPrompt string // system prompt, defaults to DefaultSystemPrompt
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Opts) {
		o.SystemPrompt = prompt
	}
}

// Client wraps the OpenAI chat completion service as a dispatch
// responder.
type Client struct {
	chat         chatService
	model        string
	systemPrompt string
}

// Compile-time check that Client implements dispatch.Responder.
var _ dispatch.Responder = (*Client)(nil)

// NewClient initializes a new GenAI client. The API key falls back to
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set: pass genai.WithAPIKey or set OPENAI_API_KEY")
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		chat:         completionsService{svc: cli.Chat.Completions},
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Respond implements dispatch.Responder: it replays the conversation
// history, appends the converted inbound input, and returns either the
// assistant's text or the tool calls it requested.
func (c *Client) Respond(ctx context.Context, identity string, history []models.Turn, input dispatch.Input) (models.Reply, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(c.systemPrompt))
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		default:
			return models.Reply{}, fmt.Errorf("%w: %q", models.ErrInvalidRole, turn.Role)
		}
	}
	messages = append(messages, userMessage(input))

	slog.Debug("GenAI responding", "identity", identity, "model", c.model, "history_turns", len(history))
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Reply{}, ErrNoChoicesReturned
	}

	choice := resp.Choices[0].Message
	reply := models.Reply{Text: choice.Content}
	for _, call := range choice.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return reply, nil
}

// userMessage builds the inbound user message, attaching the image as a
// multimodal part when the message carried media.
func userMessage(input dispatch.Input) openai.ChatCompletionMessageParamUnion {
	if input.ImageURI == "" {
		return openai.UserMessage(input.Text)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: input.ImageURI}),
	}
	if input.Text != "" {
		parts = append(parts, openai.TextContentPart(input.Text))
	}
	return openai.UserMessage(parts)
}
