package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/normalize"
)

func testRequest() *normalize.CanonicalRequest {
	return &normalize.CanonicalRequest{
		Model:     "moonshotai/Kimi-K2-Thinking",
		Messages:  []normalize.ChatMessage{{Role: "user", Content: "Hello"}},
		MaxTokens: 2048,
		Stream:    true,
	}
}

func TestForwardSendsCanonicalRequest(t *testing.T) {
	var gotPath, gotAuth, gotContentType, gotRequestID string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"message":{"role":"assistant","content":"Hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1", Token: "hf_test"})
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	res, err := c.Forward(ctx, testRequest())
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Status)
	}
	if !strings.Contains(string(res.Payload), `"content":"Hi"`) {
		t.Fatalf("expected payload verbatim, got %s", string(res.Payload))
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("expected /v1/chat/completions, got %q", gotPath)
	}
	if gotAuth != "Bearer hf_test" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotContentType)
	}
	if gotRequestID != "req-123" {
		t.Fatalf("expected forwarded request id, got %q", gotRequestID)
	}
	if gotBody["stream"] != false {
		t.Fatalf("expected stream=false, got %v", gotBody["stream"])
	}
	if gotBody["model"] != "moonshotai/Kimi-K2-Thinking" {
		t.Fatalf("unexpected model %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(2048) {
		t.Fatalf("unexpected max_tokens %v", gotBody["max_tokens"])
	}
	if _, ok := gotBody["temperature"]; ok {
		t.Fatal("expected temperature omitted")
	}
}

func TestForwardMissingTokenDoesNotCallUpstream(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "  "})
	_, err := c.Forward(context.Background(), testRequest())
	if !apierr.IsKind(err, apierr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err.Error() != "Server secret HF_TOKEN is missing." {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if apierr.As(err).Status() != http.StatusInternalServerError {
		t.Fatal("expected 500")
	}
	if called {
		t.Fatal("upstream must not be called without a token")
	}
}

func TestForwardNon2xxCarriesStatusAndMessage(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   string
	}{
		{status: http.StatusTooManyRequests, body: `{"error":{"message":"rate limited"}}`, want: "rate limited"},
		{status: http.StatusBadRequest, body: `{"error":"Model not supported"}`, want: "Model not supported"},
		{status: http.StatusUnprocessableEntity, body: `{"detail":"bad input"}`, want: "bad input"},
		{status: http.StatusBadGateway, body: `upstream exploded`, want: "upstream exploded"},
		{status: http.StatusServiceUnavailable, body: ``, want: "Upstream returned status 503 Service Unavailable."},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		c := NewClient(Config{BaseURL: srv.URL, Token: "t"})
		_, err := c.Forward(context.Background(), testRequest())
		srv.Close()
		apiErr := apierr.As(err)
		if apiErr == nil || apiErr.Kind != apierr.KindUpstream {
			t.Fatalf("status %d: expected upstream error, got %v", tc.status, err)
		}
		if apiErr.Status() != tc.status {
			t.Fatalf("expected status %d, got %d", tc.status, apiErr.Status())
		}
		if apiErr.Message != tc.want {
			t.Fatalf("expected message %q, got %q", tc.want, apiErr.Message)
		}
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, Token: "t", Timeout: 50 * time.Millisecond})
	_, err := c.Forward(context.Background(), testRequest())
	if !apierr.IsKind(err, apierr.KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if apierr.As(err).Status() != http.StatusGatewayTimeout {
		t.Fatal("expected 504")
	}
}

func TestForwardCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c := NewClient(Config{BaseURL: srv.URL, Token: "t", Timeout: 5 * time.Second})
	_, err := c.Forward(ctx, testRequest())
	if !apierr.IsKind(err, apierr.KindUpstream) {
		t.Fatalf("expected upstream error on cancellation, got %v", err)
	}
	if apierr.As(err).Status() != http.StatusInternalServerError {
		t.Fatal("expected 500")
	}
}

func TestForwardNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Token: "t"})
	_, err := c.Forward(context.Background(), testRequest())
	apiErr := apierr.As(err)
	if apiErr.Kind != apierr.KindUpstream || apiErr.Status() != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500, got %v (%d)", err, apiErr.Status())
	}
	if apiErr.Message == "" {
		t.Fatal("expected network error text")
	}
}

func TestForwardInvalidJSONSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "t"})
	_, err := c.Forward(context.Background(), testRequest())
	if !apierr.IsKind(err, apierr.KindUpstream) || apierr.As(err).Status() != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500, got %v", err)
	}
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                                  "https://router.huggingface.co/v1/chat/completions",
		"https://router.huggingface.co/v1/": "https://router.huggingface.co/v1/chat/completions",
		"http://localhost:8080":             "http://localhost:8080/chat/completions",
	}
	for base, want := range cases {
		got, err := NewClient(Config{BaseURL: base}).Endpoint()
		if err != nil {
			t.Fatalf("endpoint %q: %v", base, err)
		}
		if got != want {
			t.Fatalf("base %q: expected %q, got %q", base, want, got)
		}
	}
}
