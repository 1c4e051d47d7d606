// Package chatclient talks to a running gateway through its
// OpenAI-compatible /v1/chat/completions route.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lkarlslund/chatgate/pkg/version"
)

var ErrNoChoices = errors.New("gateway returned no choices (is response_mode set to \"message\"?)")

type Client struct {
	api       *openai.Client
	maxTokens int
}

type options struct {
	apiKey    string
	requestID string
	maxTokens int
	timeout   time.Duration
}

type Option func(*options)

// WithAPIKey sends key as a bearer token, for gateways behind an
// authenticating reverse proxy.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = strings.TrimSpace(key) }
}

// WithRequestID pins the X-Request-ID of every call; otherwise each call gets
// a fresh one.
func WithRequestID(id string) Option {
	return func(o *options) { o.requestID = strings.TrimSpace(id) }
}

func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func New(gatewayURL string, opts ...Option) *Client {
	o := options{timeout: 3 * time.Minute}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	httpClient := &http.Client{
		Timeout:   o.timeout,
		Transport: requestIDRoundTripper{RequestID: o.requestID},
	}

	cfg := openai.DefaultConfig(o.apiKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(gatewayURL), "/") + "/v1"
	cfg.HTTPClient = httpClient
	return &Client{api: openai.NewClientWithConfig(cfg), maxTokens: o.maxTokens}
}

// Complete sends a full conversation. model may be an alias or a canonical
// id; empty lets the gateway pick its default.
func (c *Client) Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:     strings.TrimSpace(model),
		Messages:  messages,
		MaxTokens: c.maxTokens,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, describe(err)
	}
	return resp, nil
}

// Ask sends a single user prompt and returns the assistant's text.
func (c *Client) Ask(ctx context.Context, model, prompt string) (string, error) {
	resp, err := c.Complete(ctx, model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Status: reqErr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("chat completion: %w", err)
}

type requestIDRoundTripper struct {
	Base      http.RoundTripper
	RequestID string
}

func (rt requestIDRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	id := rt.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	out.Header.Set("X-Request-ID", id)
	out.Header.Set("User-Agent", version.UserAgent())
	return base.RoundTrip(out)
}
