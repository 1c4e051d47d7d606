package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/upstream"
)

func encode(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

const completion = `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"Hi"}}]}`

func TestRelayCompletionModePassesPayloadThrough(t *testing.T) {
	resp := Relay(&upstream.Result{Status: http.StatusOK, Payload: []byte(completion)}, nil, ModeCompletion)
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if got := encode(t, resp.Body); got != completion {
		t.Fatalf("expected payload verbatim, got %s", got)
	}
}

func TestRelayMessageMode(t *testing.T) {
	resp := Relay(&upstream.Result{Status: http.StatusOK, Payload: []byte(completion)}, nil, ModeMessage)
	if got := encode(t, resp.Body); got != `{"role":"assistant","content":"Hi"}` {
		t.Fatalf("unexpected message body %s", got)
	}

	for _, payload := range []string{`{"choices":[]}`, `{}`, `{"choices":[{"message":"text"}]}`} {
		resp = Relay(&upstream.Result{Status: http.StatusOK, Payload: []byte(payload)}, nil, ModeMessage)
		var got map[string]string
		if err := json.Unmarshal([]byte(encode(t, resp.Body)), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got["role"] != "assistant" || got["content"] != "No response." {
			t.Fatalf("payload %s: expected fallback message, got %v", payload, got)
		}
	}
}

func TestRelayZeroStatusDefaultsToOK(t *testing.T) {
	resp := Relay(&upstream.Result{Payload: []byte(`{}`)}, nil, ModeCompletion)
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
}

func TestRelayErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{err: apierr.MethodNotSupported("PUT"), status: 400, msg: "Method PUT is not supported. Use GET or POST."},
		{err: apierr.MalformedBody("Invalid JSON body in POST request."), status: 400, msg: "Invalid JSON body in POST request."},
		{err: apierr.MissingPrompt(), status: 400},
		{err: apierr.UnknownModel("nonexistent-alias"), status: 404, msg: "Model 'nonexistent-alias' not found."},
		{err: apierr.Configuration("Server secret HF_TOKEN is missing."), status: 500, msg: "Server secret HF_TOKEN is missing."},
		{err: apierr.Timeout("slow", nil), status: 504, msg: "slow"},
		{err: apierr.Upstream(429, "rate limited", nil), status: 429, msg: "rate limited"},
		{err: apierr.Upstream(0, "connection refused", nil), status: 500, msg: "connection refused"},
		{err: apierr.Upstream(302, "redirect", nil), status: 500, msg: "redirect"},
		{err: errors.New("boom"), status: 500, msg: "boom"},
	}
	for _, tc := range cases {
		resp := Relay(nil, tc.err, ModeCompletion)
		if resp.Status != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, resp.Status)
		}
		var body map[string]string
		if err := json.Unmarshal([]byte(encode(t, resp.Body)), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body["error"] == "" {
			t.Fatalf("%v: expected error field", tc.err)
		}
		if tc.msg != "" && body["error"] != tc.msg {
			t.Fatalf("expected %q, got %q", tc.msg, body["error"])
		}
	}
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{"": ModeCompletion, "completion": ModeCompletion, " Message ": ModeMessage} {
		got, err := ParseMode(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %q, got %q (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseMode("stream"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
