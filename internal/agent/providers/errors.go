// Package providers contains the streaming LLM provider implementations the
// gateway can be configured with: Anthropic via the official SDK and OpenAI
// via sashabaranov/go-openai. Both satisfy agent.LLMProvider.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed. It drives the retry
// decision inside each provider's stream-open loop.
type Reason string

const (
	// ReasonBilling indicates payment or quota exhaustion (HTTP 402).
	ReasonBilling Reason = "billing"

	// ReasonRateLimit indicates provider-side rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth indicates a rejected API key (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates the request or stream timed out.
	ReasonTimeout Reason = "timeout"

	// ReasonServerError indicates a provider-side failure (HTTP 5xx).
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest indicates the request itself was malformed (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable indicates the requested model does not exist
	// or is not enabled for the account.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// Retryable reports whether a fresh attempt against the same provider may
// succeed. Auth, billing, and request-shape failures never clear on retry.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a structured failure from an LLM provider. It keeps the HTTP
// status, provider error code, and request id so gateway logs can identify
// the failing upstream call.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// newError wraps cause with provider and model context, classifying the
// reason from the error text. Callers refine the reason via WithStatus or
// WithCode when the SDK exposes structured fields.
func newError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Reason = classifyStatus(status)
	return e
}

// WithCode records the provider-specific error code and reclassifies when
// the code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id for log correlation.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage replaces the human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Classify inspects an error's text and returns the matching Reason. SDKs do
// not always surface structured codes, so this falls back to substring
// matching over the rendered error.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "context deadline"):
		return ReasonTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "429"):
		return ReasonRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return ReasonAuth
	case strings.Contains(s, "billing"),
		strings.Contains(s, "payment"),
		strings.Contains(s, "quota"),
		strings.Contains(s, "402"):
		return ReasonBilling
	case strings.Contains(s, "model not found"),
		strings.Contains(s, "model_not_found"),
		strings.Contains(s, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(s, "internal server"),
		strings.Contains(s, "server error"),
		strings.Contains(s, "500"),
		strings.Contains(s, "502"),
		strings.Contains(s, "503"),
		strings.Contains(s, "504"):
		return ReasonServerError
	}

	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelUnavailable
	case "overloaded_error", "api_error", "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// AsError extracts a provider *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err should be retried against the same provider.
func Retryable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Reason.Retryable()
	}
	return Classify(err).Retryable()
}
