// Package classify scores inbound messages using the OpenAI API.
//
// The scheduler treats classification as an opaque function returning an
// urgency score and an emotional tone label; everything about how the
// score is produced lives here.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// ErrEmptyMessage is returned when there is nothing to classify.
var ErrEmptyMessage = errors.New("message text is empty")

const systemPrompt = `You score inbound customer emails for a reply scheduler.
Respond with a single JSON object and nothing else:
{"urgency": <integer 0-10>, "tone": "<one lowercase word, e.g. angry, neutral, gratitude, confused>"}
Urgency 10 means the sender needs an answer immediately; 0 means no answer is expected.`

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// Opts holds configuration for the classifier client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the classifier client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for classification.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client classifies inbound message text.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a classifier client. The API key falls back to the
// OPENAI_API_KEY environment variable.
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
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: openaiChatService{client: cli}, model: cfg.Model}, nil
}

// Classify scores a single inbound message. Transient API failures and
// unparsable completions are both reported as ErrClassifierUnavailable so
// the caller retries instead of guessing an urgency.
func (c *Client) Classify(ctx context.Context, messageText string) (models.Classification, error) {
	if strings.TrimSpace(messageText) == "" {
		return models.Classification{}, ErrEmptyMessage
	}

	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(messageText),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		slog.Warn("classify.Classify: completion request failed", "error", err)
		return models.Classification{}, fmt.Errorf("%w: %v", models.ErrClassifierUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return models.Classification{}, fmt.Errorf("%w: no choices returned", models.ErrClassifierUnavailable)
	}

	cls, err := parseClassification(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("classify.Classify: unparsable completion", "error", err)
		return models.Classification{}, fmt.Errorf("%w: %v", models.ErrClassifierUnavailable, err)
	}
	slog.Debug("classify.Classify", "urgency", cls.Urgency, "tone", cls.Tone)
	return cls, nil
}

// parseClassification extracts the JSON object from a completion, allowing
// for code fences some models insist on adding.
func parseClassification(content string) (models.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var cls models.Classification
	if err := json.Unmarshal([]byte(content), &cls); err != nil {
		return cls, fmt.Errorf("invalid classification JSON: %w", err)
	}
	cls.Tone = strings.ToLower(strings.TrimSpace(cls.Tone))
	if cls.Tone == "" {
		cls.Tone = "general"
	}
	if err := cls.Validate(); err != nil {
		return cls, err
	}
	return cls, nil
}
