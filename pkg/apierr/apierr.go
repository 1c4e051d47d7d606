// Package apierr holds the error kinds the gateway reports to callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindMethodNotSupported
	KindMalformedBody
	KindMissingPrompt
	KindUnknownModel
	KindConfiguration
	KindUpstream
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMethodNotSupported:
		return "method_not_supported"
	case KindMalformedBody:
		return "malformed_body"
	case KindMissingPrompt:
		return "missing_prompt"
	case KindUnknownModel:
		return "unknown_model"
	case KindConfiguration:
		return "configuration_error"
	case KindUpstream:
		return "upstream_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// Error is a caller-facing failure. UpstreamStatus is only set for
// KindUpstream and is zero when the upstream never answered.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error to the HTTP status returned to the caller.
func (e *Error) Status() int {
	switch e.Kind {
	case KindMethodNotSupported, KindMalformedBody, KindMissingPrompt:
		return http.StatusBadRequest
	case KindUnknownModel:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		if e.UpstreamStatus >= 400 && e.UpstreamStatus <= 599 {
			return e.UpstreamStatus
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) IsValidation() bool {
	switch e.Kind {
	case KindMethodNotSupported, KindMalformedBody, KindMissingPrompt, KindUnknownModel:
		return true
	}
	return false
}

func MethodNotSupported(method string) *Error {
	return &Error{Kind: KindMethodNotSupported, Message: fmt.Sprintf("Method %s is not supported. Use GET or POST.", method)}
}

func MalformedBody(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedBody, Message: fmt.Sprintf(format, args...)}
}

func MissingPrompt() *Error {
	return &Error{Kind: KindMissingPrompt, Message: "No prompt found. For GET use ?prompt=... and for POST use body {\"prompt\": \"...\"} or {\"messages\": [...]}"}
}

func UnknownModel(model string) *Error {
	return &Error{Kind: KindUnknownModel, Message: fmt.Sprintf("Model '%s' not found.", model)}
}

func Configuration(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func Upstream(status int, message string, err error) *Error {
	return &Error{Kind: KindUpstream, UpstreamStatus: status, Message: message, Err: err}
}

func Timeout(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

// As extracts an *Error from err. Errors of any other type are reported
// as internal failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
