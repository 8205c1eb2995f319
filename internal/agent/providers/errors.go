package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a provider failure for retry decisions and logs.
type Reason string

const (
	ReasonRateLimit        Reason = "rate_limit"
	ReasonTimeout          Reason = "timeout"
	ReasonConnection       Reason = "connection"
	ReasonServer           Reason = "server_error"
	ReasonAuth             Reason = "auth"
	ReasonBilling          Reason = "billing"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// Retryable reports whether a failure with this reason is worth
// re-attempting against the same provider and model.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonConnection, ReasonServer:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLM binding. It keeps
// the HTTP status, provider error code and request ID when the SDK
// exposes them.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
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

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable satisfies the classification check the reply loop performs
// before re-attempting a provider call.
func (e *ProviderError) Retryable() bool { return e.Reason.Retryable() }

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// newError builds a ProviderError classified from the cause's message.
func newError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Reason:   ReasonUnknown,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = classifyMessage(cause.Error())
	}
	return e
}

func (e *ProviderError) withStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

func (e *ProviderError) withCode(code string) *ProviderError {
	e.Code = code
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

func (e *ProviderError) withMessage(msg string) *ProviderError {
	if msg != "" {
		e.Message = msg
	}
	return e
}

// classifyMessage maps raw error text onto a Reason. Server patterns
// are checked before model availability so "service unavailable"
// lands on the transient side.
func classifyMessage(msg string) Reason {
	msg = strings.ToLower(msg)
	has := func(patterns ...string) bool {
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
	switch {
	case has("timeout", "timed out", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case has("connection reset", "connection refused", "no such host", "broken pipe", "eof"):
		return ReasonConnection
	case has("rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case has("unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case has("billing", "payment", "quota", "402"):
		return ReasonBilling
	case has("content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case has("overloaded", "temporarily", "unavailable", "internal server",
		"server error", "bad gateway", "500", "502", "503", "504", "529"):
		return ReasonServer
	case has("model not found", "model_not_found", "does not exist", "unknown model"):
		return ReasonModelUnavailable
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServer
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "overloaded_error":
		return ReasonServer
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelUnavailable
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "api_error", "internal_error", "server_error":
		return ReasonServer
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	default:
		return ReasonUnknown
	}
}
