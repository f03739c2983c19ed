package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// maxTextLength is the platform's limit for a single text message, counted in
// UTF-16 code units.
const maxTextLength = 5000

// Client sends replies through the Messaging API.
type Client struct {
	api    *messaging_api.MessagingApiAPI
	logger *slog.Logger
}

type options struct {
	endpoint   string
	httpClient *http.Client
}

type Option func(*options)

// WithEndpoint points the client at a different API host.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = strings.TrimSpace(endpoint)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

// NewClient creates a reply client authenticated with a channel access token.
func NewClient(channelToken string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(channelToken) == "" {
		return nil, errors.New("line: channel access token must not be empty")
	}
	o := options{httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	apiOpts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(o.httpClient)}
	if o.endpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(o.endpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelToken, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("line: create messaging api client: %w", err)
	}
	return &Client{
		api:    api,
		logger: slog.Default().With("component", "integrations.line"),
	}, nil
}

// Reply sends text as the single reply for replyToken. Tokens are single use
// and are never retained by the client.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("line: reply text must not be empty")
	}

	start := time.Now()
	_, err := c.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages: []messaging_api.MessageInterface{
			messaging_api.TextMessage{Text: truncate(text, maxTextLength)},
		},
	})
	if err != nil {
		return fmt.Errorf("line: reply message: %w", err)
	}
	c.logger.DebugContext(ctx, "reply sent", "duration_ms", time.Since(start).Milliseconds(), "length", utf16Len(text))
	return nil
}

// truncate cuts s to at most limit UTF-16 code units without splitting a
// surrogate pair.
func truncate(s string, limit int) string {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > limit {
			return s[:i]
		}
		units += n
	}
	return s
}

func utf16Len(s string) int {
	return len(utf16.Encode([]rune(s)))
}
