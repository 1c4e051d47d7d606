// Package relay converts upstream results and pipeline errors into the
// status and JSON body returned to the caller.
package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/upstream"
)

type Mode string

const (
	// ModeCompletion relays the full upstream completion object.
	ModeCompletion Mode = "completion"
	// ModeMessage relays only choices[0].message.
	ModeMessage Mode = "message"
)

const noResponseContent = "No response."

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeCompletion:
		return ModeCompletion, nil
	case ModeMessage:
		return ModeMessage, nil
	}
	return "", fmt.Errorf("invalid response mode %q (expected %q or %q)", raw, ModeCompletion, ModeMessage)
}

type Response struct {
	Status int
	Body   any
}

type errorBody struct {
	Error string `json:"error"`
}

// Relay builds the caller response. Exactly one of result and err is
// expected to be set; a nil result without an error is reported as a
// missing upstream response.
func Relay(result *upstream.Result, err error, mode Mode) Response {
	if err != nil {
		return Error(err)
	}
	if result == nil {
		return Response{Status: http.StatusInternalServerError, Body: errorBody{Error: "No upstream response."}}
	}
	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	if mode == ModeMessage {
		return Response{Status: status, Body: firstMessage(result.Payload)}
	}
	return Response{Status: status, Body: json.RawMessage(result.Payload)}
}

func Error(err error) Response {
	apiErr := apierr.As(err)
	msg := apiErr.Error()
	if strings.TrimSpace(msg) == "" {
		msg = http.StatusText(apiErr.Status())
	}
	return Response{Status: apiErr.Status(), Body: errorBody{Error: msg}}
}

func firstMessage(payload []byte) any {
	msg := gjson.GetBytes(payload, "choices.0.message")
	if msg.IsObject() {
		return json.RawMessage(msg.Raw)
	}
	return map[string]string{"role": "assistant", "content": noResponseContent}
}
