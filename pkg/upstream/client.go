package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/normalize"
	"github.com/lkarlslund/chatgate/pkg/version"
)

const (
	DefaultBaseURL = "https://router.huggingface.co/v1"
	DefaultTimeout = 120 * time.Second

	maxPayloadBytes    = 32 << 20
	maxErrorBodyLength = 1024
)

// errorMessagePaths are tried in order against a non-2xx upstream body.
var errorMessagePaths = []string{"error.message", "error", "message", "detail", "error_description", "title", "reason"}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// TokenName is shown to callers when Token is empty.
	TokenName  string
	HTTPClient *http.Client
}

// Result is a successful upstream answer. Payload is the raw JSON body.
type Result struct {
	Status  int
	Payload []byte
}

type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.TokenName) == "" {
		cfg.TokenName = "HF_TOKEN"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{cfg: cfg, client: client}
}

func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse upstream base url: %w", err)
	}
	u.Path = path.Join("/", u.Path, "chat/completions")
	return u.String(), nil
}

// Forward sends req to the upstream chat completion endpoint exactly once.
// The call ends when the configured timeout elapses or ctx is cancelled,
// whichever comes first.
func (c *Client) Forward(ctx context.Context, req *normalize.CanonicalRequest) (*Result, error) {
	if c.cfg.Token == "" {
		return nil, apierr.Configuration(fmt.Sprintf("Server secret %s is missing.", c.cfg.TokenName))
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, apierr.Upstream(0, err.Error(), err)
	}
	wire := *req
	wire.Stream = false
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Upstream(0, err.Error(), err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if id := middleware.GetReqID(ctx); id != "" {
		httpReq.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, c.transportError(ctx, callCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apierr.Upstream(resp.StatusCode, ErrorMessage(resp.StatusCode, payload), nil)
	}
	if !json.Valid(payload) {
		return nil, apierr.Upstream(0, "Upstream returned an invalid JSON response.", nil)
	}
	return &Result{Status: resp.StatusCode, Payload: payload}, nil
}

func (c *Client) transportError(parent, callCtx context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return apierr.Upstream(0, "Request cancelled by client.", err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Timeout(fmt.Sprintf("Upstream did not respond within %s.", c.cfg.Timeout), err)
	}
	return apierr.Upstream(0, err.Error(), err)
}

// ErrorMessage pulls a human readable message out of an upstream error body,
// falling back to the trimmed body and finally the status text.
func ErrorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, p := range errorMessagePaths {
			v := gjson.GetBytes(body, p)
			if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyLength {
		msg = msg[:maxErrorBodyLength]
	}
	if msg == "" {
		msg = fmt.Sprintf("Upstream returned status %d %s.", status, http.StatusText(status))
	}
	return msg
}
