package providers

import (
	"errors"
	"strings"
)

// FailoverReason classifies why a provider call failed, grounded on
// nexus's internal/agent/providers.FailoverReason.
type FailoverReason string

const (
	ReasonBilling         FailoverReason = "billing"
	ReasonRateLimit       FailoverReason = "rate_limit"
	ReasonAuth            FailoverReason = "auth"
	ReasonTimeout         FailoverReason = "timeout"
	ReasonServerError     FailoverReason = "server_error"
	ReasonInvalidRequest  FailoverReason = "invalid_request"
	ReasonModelUnavailable FailoverReason = "model_unavailable"
	ReasonContentFilter   FailoverReason = "content_filter"
	ReasonUnknown         FailoverReason = "unknown"
)

// IsRetryable reports whether the same provider should be retried in place.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the Router should walk the fallback chain
// instead of retrying the same provider.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case ReasonBilling, ReasonAuth, ReasonModelUnavailable:
		return true
	default:
		return false
	}
}

// ProviderError wraps a classified failure with routing-relevant context.
type ProviderError struct {
	Reason    FailoverReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Reason))
	if e.Provider != "" {
		b.WriteString(" provider=")
		b.WriteString(e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" model=")
		b.WriteString(e.Model)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// WithProvider, WithModel, WithRequestID fluently attach context, mirroring
// nexus's builder style for ProviderError.
func (e *ProviderError) WithProvider(p string) *ProviderError { e.Provider = p; return e }
func (e *ProviderError) WithModel(m string) *ProviderError    { e.Model = m; return e }
func (e *ProviderError) WithRequestID(id string) *ProviderError { e.RequestID = id; return e }

// IsBadRequest applies original_source's _is_bad_request dual check: a
// status in the 400-499 class, or a provider error code that spells out
// "400"/"INVALID_ARGUMENT" even when no HTTP status is attached. Bad
// requests never trigger a Router fallback walk.
func (e *ProviderError) IsBadRequest() bool {
	if e.Status >= 400 && e.Status < 500 {
		return true
	}
	switch e.Code {
	case "400", "INVALID_ARGUMENT":
		return true
	}
	return false
}

// ClassifyError turns an opaque provider error into a ProviderError by
// pattern-matching its text, grounded on nexus's ClassifyError.
func ClassifyError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	var existing *ProviderError
	if errors.As(err, &existing) {
		return existing
	}

	msg := strings.ToLower(err.Error())
	pe := &ProviderError{Reason: ReasonUnknown, Message: err.Error(), Cause: err}

	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "context canceled"):
		pe.Reason = ReasonTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		pe.Reason = ReasonRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		pe.Reason = ReasonAuth
	case strings.Contains(msg, "billing") || strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient credit") || strings.Contains(msg, "402"):
		pe.Reason = ReasonBilling
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "content_filter") || strings.Contains(msg, "safety"):
		pe.Reason = ReasonContentFilter
	case strings.Contains(msg, "model not found") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "404"):
		pe.Reason = ReasonModelUnavailable
	case strings.Contains(msg, "bad request") || strings.Contains(msg, "invalid_argument") || strings.Contains(msg, "400"):
		pe.Reason = ReasonInvalidRequest
		pe.Status = 400
	case strings.HasPrefix(msg, "5") || strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable"):
		pe.Reason = ReasonServerError
	}
	return pe
}

// classifyStatusCode maps an HTTP status into a FailoverReason, grounded
// on nexus's classifyStatusCode.
func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 429:
		return ReasonRateLimit
	case status == 400:
		return ReasonInvalidRequest
	case status == 404:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// NewStatusError builds a ProviderError directly from an HTTP status and
// provider-specific error code, used by adapters that get structured
// errors back instead of opaque strings.
func NewStatusError(status int, code, message string) *ProviderError {
	reason := classifyStatusCode(status)
	return &ProviderError{Reason: reason, Status: status, Code: code, Message: message}
}

// IsProviderError reports whether err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// GetProviderError extracts the *ProviderError from err, classifying it
// first if necessary.
func GetProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return ClassifyError(err)
}

// IsRetryable reports whether err should be retried against the same
// provider before failing over.
func IsRetryable(err error) bool {
	return GetProviderError(err).Reason.IsRetryable()
}

// ShouldFailover reports whether err should trigger a Router fallback walk.
func ShouldFailover(err error) bool {
	return GetProviderError(err).Reason.ShouldFailover()
}
