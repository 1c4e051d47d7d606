// Package normalize turns the calling conventions the gateway accepts into
// one canonical chat request.
package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/models"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	DefaultMaxTokens = 2048
	maxTemperature   = 2.0
	maxTokensLimit   = math.MaxInt32
)

// queryPromptKeys are checked in order; the first non-empty value wins.
var queryPromptKeys = []string{"prompt", "q", "message"}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Shape records which calling convention supplied the user content.
type Shape int

const (
	ShapeNone Shape = iota
	ByQueryPrompt
	ByBodyPrompt
	ByBodyMessages
)

func (s Shape) String() string {
	switch s {
	case ByQueryPrompt:
		return "query_prompt"
	case ByBodyPrompt:
		return "body_prompt"
	case ByBodyMessages:
		return "body_messages"
	default:
		return "none"
	}
}

// CanonicalRequest is the only request shape sent upstream.
type CanonicalRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	Shape       Shape         `json:"-"`
}

type Inbound struct {
	Method string
	Query  url.Values
	Body   []byte
	// PathAlias is the model named in the route, e.g. /api/<alias>/v1/...
	PathAlias string
}

// Defaults are the deployment-wide values used when the caller omits them.
type Defaults struct {
	MaxTokens   int
	Temperature *float64
}

type inboundBody struct {
	Messages    json.RawMessage `json:"messages"`
	Prompt      json.RawMessage `json:"prompt"`
	Model       json.RawMessage `json:"model"`
	MaxTokens   json.RawMessage `json:"max_tokens"`
	Temperature json.RawMessage `json:"temperature"`
}

type content struct {
	shape    Shape
	prompt   string
	messages []ChatMessage
}

// Normalize is a pure function of its inputs; the registry is read-only.
func Normalize(in Inbound, registry *models.Registry, defaults Defaults) (*CanonicalRequest, error) {
	if in.Query == nil {
		in.Query = url.Values{}
	}
	var body inboundBody
	switch in.Method {
	case http.MethodGet:
	case http.MethodPost:
		parsed, err := parseBody(in.Body)
		if err != nil {
			return nil, err
		}
		body = parsed
	default:
		return nil, apierr.MethodNotSupported(in.Method)
	}

	c, err := dispatch(in.Query, body)
	if err != nil {
		return nil, err
	}
	if c.shape == ShapeNone {
		return nil, apierr.MissingPrompt()
	}

	out := &CanonicalRequest{Shape: c.shape}
	if c.shape == ByBodyMessages {
		out.Messages = c.messages
	} else {
		out.Messages = []ChatMessage{{Role: RoleUser, Content: c.prompt}}
	}

	candidate, err := modelCandidate(in, body)
	if err != nil {
		return nil, err
	}
	out.Model, err = registry.Resolve(candidate)
	if err != nil {
		return nil, err
	}

	out.MaxTokens = defaults.MaxTokens
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if n, ok := positiveInt(body.MaxTokens, in.Query.Get("max_tokens")); ok {
		out.MaxTokens = n
	}
	if defaults.Temperature != nil {
		t := *defaults.Temperature
		out.Temperature = &t
	}
	if t, ok := temperature(body.Temperature, in.Query.Get("temperature")); ok {
		out.Temperature = &t
	}
	return out, nil
}

func parseBody(raw []byte) (inboundBody, error) {
	var body inboundBody
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return body, nil
	}
	if raw[0] != '{' {
		return body, apierr.MalformedBody("Invalid JSON body in POST request: expected an object.")
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return body, apierr.MalformedBody("Invalid JSON body in POST request.")
	}
	return body, nil
}

// dispatch picks the content source in priority order: body messages, body
// prompt, then query parameters. GET requests only ever reach the last one.
func dispatch(query url.Values, body inboundBody) (content, error) {
	if isPresent(body.Messages) {
		msgs, err := decodeMessages(body.Messages)
		if err != nil {
			return content{}, err
		}
		if len(msgs) > 0 {
			return content{shape: ByBodyMessages, messages: msgs}, nil
		}
	}
	if isPresent(body.Prompt) {
		var prompt string
		if err := json.Unmarshal(body.Prompt, &prompt); err != nil {
			return content{}, apierr.MalformedBody("prompt must be a string.")
		}
		if strings.TrimSpace(prompt) != "" {
			return content{shape: ByBodyPrompt, prompt: prompt}, nil
		}
	}
	for _, key := range queryPromptKeys {
		if v := query.Get(key); strings.TrimSpace(v) != "" {
			return content{shape: ByQueryPrompt, prompt: v}, nil
		}
	}
	return content{}, nil
}

// decodeMessages validates every entry instead of passing them through
// unchecked: roles are restricted and content must be text.
func decodeMessages(raw json.RawMessage) ([]ChatMessage, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apierr.MalformedBody("messages must be an array.")
	}
	out := make([]ChatMessage, 0, len(entries))
	for i, entry := range entries {
		var m struct {
			Role    *string         `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(entry, &m); err != nil {
			return nil, apierr.MalformedBody("messages[%d] must be an object with role and content.", i)
		}
		if m.Role == nil || !validRole(*m.Role) {
			return nil, apierr.MalformedBody("messages[%d].role must be one of user, assistant, system.", i)
		}
		var text string
		if !isPresent(m.Content) || json.Unmarshal(m.Content, &text) != nil {
			return nil, apierr.MalformedBody("messages[%d].content must be a string.", i)
		}
		out = append(out, ChatMessage{Role: *m.Role, Content: text})
	}
	return out, nil
}

func validRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

func modelCandidate(in Inbound, body inboundBody) (string, error) {
	if alias := strings.TrimSpace(in.PathAlias); alias != "" {
		return alias, nil
	}
	if isPresent(body.Model) {
		var model string
		if err := json.Unmarshal(body.Model, &model); err != nil {
			return "", apierr.MalformedBody("model must be a string.")
		}
		if strings.TrimSpace(model) != "" {
			return model, nil
		}
	}
	return in.Query.Get("model"), nil
}

// positiveInt reads max_tokens from the body, then the query. Values that
// are not positive integers up to MaxInt32 are ignored and the default
// applies.
func positiveInt(raw json.RawMessage, query string) (int, bool) {
	if isPresent(raw) {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil && f >= 1 && f == math.Trunc(f) && f <= maxTokensLimit {
			return int(f), true
		}
	}
	if query = strings.TrimSpace(query); query != "" {
		if n, err := strconv.Atoi(query); err == nil && n > 0 && n <= maxTokensLimit {
			return n, true
		}
	}
	return 0, false
}

func temperature(raw json.RawMessage, query string) (float64, bool) {
	if isPresent(raw) {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil && validTemperature(f) {
			return f, true
		}
	}
	if query = strings.TrimSpace(query); query != "" {
		if f, err := strconv.ParseFloat(query, 64); err == nil && validTemperature(f) {
			return f, true
		}
	}
	return 0, false
}

func validTemperature(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= maxTemperature
}

func isPresent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
