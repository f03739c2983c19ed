package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"line-relay/internal/domain"
)

const (
	DefaultModel = "gpt-4o"
	// DefaultFallbackReply is sent when no completion text is available.
	DefaultFallbackReply = "すみません、うまく答えられませんでした。"
	defaultTimeout       = 20 * time.Second
)

// ErrEmptyCompletion is returned when the service answers without usable text.
var ErrEmptyCompletion = errors.New("openai: completion has no content")

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %v", e.StatusCode, e.Err)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused chat completion client with a fixed model.
type Client struct {
	api      sdk.Client
	model    string
	fallback string
	logger   *slog.Logger

	temperature *float64
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	maxRetries  *int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = &n
	}
}

// WithFallbackReply overrides the reply used by Complete. Blank values are ignored.
func WithFallbackReply(reply string) Option {
	return func(c *Client) {
		if strings.TrimSpace(reply) != "" {
			c.fallback = reply
		}
	}
}

// NewClient creates a Client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		model:    DefaultModel,
		fallback: DefaultFallbackReply,
		timeout:  defaultTimeout,
		logger:   slog.Default().With("component", "integrations.openai"),
	}
	for _, opt := range opts {
		opt(c)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(normalizeBaseURL(c.baseURL)))
	}
	if c.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.httpClient))
	}
	if c.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(c.timeout))
	}
	if c.maxRetries != nil {
		reqOpts = append(reqOpts, option.WithMaxRetries(*c.maxRetries))
	}
	c.api = sdk.NewClient(reqOpts...)
	return c, nil
}

// normalizeBaseURL makes relative endpoint paths resolve under the base path.
func normalizeBaseURL(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

// Chat sends messages to the Chat Completions endpoint and returns the first
// choice's content.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("openai: messages must not be empty")
	}

	params := sdk.ChatCompletionNewParams{
		Model:    c.model,
		Messages: toParams(messages),
	}
	if c.temperature != nil {
		params.Temperature = sdk.Float(*c.temperature)
	}

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &HTTPStatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyCompletion
	}

	c.logger.DebugContext(ctx, "chat completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason)
	return content, nil
}

// Complete always yields a non-empty reply. When the service fails or returns
// no text it logs the cause and returns the fallback reply with ok=false.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (reply string, ok bool) {
	reply, err := c.Chat(ctx, messages)
	if err != nil {
		c.logger.WarnContext(ctx, "completion failed, using fallback reply", "model", c.model, "error", err)
		return c.fallback, false
	}
	return reply, true
}

func toParams(messages []domain.ChatMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}
