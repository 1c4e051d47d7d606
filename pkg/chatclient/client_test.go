package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/proxy"
)

type recorded struct {
	mu        sync.Mutex
	model     string
	requestID string
}

func startGateway(t *testing.T, upstreamStatus int, upstreamBody string, mutate func(*config.ServerConfig)) (string, *recorded) {
	t.Helper()
	rec := &recorded{}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var payload struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(b, &payload)
		rec.mu.Lock()
		rec.model = payload.Model
		rec.requestID = r.Header.Get("X-Request-ID")
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstreamStatus)
		_, _ = w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(up.Close)

	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = up.URL
	cfg.Upstream.Token = "hf_test"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()
	s, err := proxy.NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	gw := httptest.NewServer(s.Handler())
	t.Cleanup(gw.Close)
	return gw.URL, rec
}

func TestAskThroughGateway(t *testing.T) {
	body := `{"id":"c1","object":"chat.completion","model":"zai-org/GLM-4.6","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`
	url, rec := startGateway(t, http.StatusOK, body, nil)

	c := New(url, WithRequestID("cli-1"), WithMaxTokens(16))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.Ask(ctx, "glm", "ping")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "pong" {
		t.Fatalf("expected pong, got %q", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.model != "zai-org/GLM-4.6" {
		t.Fatalf("expected alias resolved by gateway, got %q", rec.model)
	}
	if rec.requestID != "cli-1" {
		t.Fatalf("expected request id to reach upstream, got %q", rec.requestID)
	}
}

func TestAskReportsGatewayStatus(t *testing.T) {
	url, _ := startGateway(t, http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, nil)

	_, err := New(url).Ask(context.Background(), "kimi", "ping")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T %v", err, err)
	}
	if statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", statusErr.Status)
	}

	_, err = New(url).Ask(context.Background(), "no-such-model", "ping")
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestAskInMessageModeHasNoChoices(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`
	url, _ := startGateway(t, http.StatusOK, body, func(c *config.ServerConfig) { c.ResponseMode = "message" })

	_, err := New(url).Ask(context.Background(), "", "ping")
	if !errors.Is(err, ErrNoChoices) {
		t.Fatalf("expected ErrNoChoices, got %v", err)
	}
}

func TestRoundTripperSetsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := &http.Client{Transport: requestIDRoundTripper{}}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if len(got.Get("X-Request-ID")) != 36 {
		t.Fatalf("expected generated request id, got %q", got.Get("X-Request-ID"))
	}
	if req.Header.Get("X-Request-ID") != "" {
		t.Fatal("original request must not be mutated")
	}
}

func TestAPIKeyIsSentAsBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	got, err := New(srv.URL, WithAPIKey(" gw-secret ")).Ask(context.Background(), "", "ping")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if auth != "Bearer gw-secret" {
		t.Fatalf("expected bearer api key, got %q", auth)
	}
}
