package providers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyErrorReasons(t *testing.T) {
	cases := []struct {
		msg    string
		reason FailoverReason
	}{
		{"request timeout after 30s", ReasonTimeout},
		{"429 too many requests", ReasonRateLimit},
		{"401 unauthorized: invalid api key", ReasonAuth},
		{"insufficient credit balance", ReasonBilling},
		{"response blocked by content filter", ReasonContentFilter},
		{"model claude-bogus does not exist", ReasonModelUnavailable},
		{"400 bad request: invalid_argument", ReasonInvalidRequest},
		{"500 internal server error", ReasonServerError},
		{"something entirely unexpected", ReasonUnknown},
	}
	for _, c := range cases {
		pe := ClassifyError(errors.New(c.msg))
		require.Equal(t, c.reason, pe.Reason, c.msg)
	}
}

func TestClassifyErrorPreservesExistingProviderError(t *testing.T) {
	original := &ProviderError{Reason: ReasonBilling, Message: "card declined"}
	got := ClassifyError(original)
	require.Same(t, original, got)
}

func TestIsBadRequestDualCheck(t *testing.T) {
	require.True(t, (&ProviderError{Status: 400}).IsBadRequest())
	require.True(t, (&ProviderError{Status: 499}).IsBadRequest())
	require.False(t, (&ProviderError{Status: 500}).IsBadRequest())
	require.True(t, (&ProviderError{Code: "INVALID_ARGUMENT"}).IsBadRequest())
	require.True(t, (&ProviderError{Code: "400"}).IsBadRequest())
	require.False(t, (&ProviderError{Code: "RATE_LIMITED"}).IsBadRequest())
}

func TestFailoverReasonPredicates(t *testing.T) {
	require.True(t, ReasonRateLimit.IsRetryable())
	require.True(t, ReasonTimeout.IsRetryable())
	require.True(t, ReasonServerError.IsRetryable())
	require.False(t, ReasonAuth.IsRetryable())

	require.True(t, ReasonBilling.ShouldFailover())
	require.True(t, ReasonAuth.ShouldFailover())
	require.True(t, ReasonModelUnavailable.ShouldFailover())
	require.False(t, ReasonRateLimit.ShouldFailover())
}

func TestNewStatusErrorClassifiesByCode(t *testing.T) {
	require.Equal(t, ReasonAuth, NewStatusError(401, "", "").Reason)
	require.Equal(t, ReasonBilling, NewStatusError(402, "", "").Reason)
	require.Equal(t, ReasonRateLimit, NewStatusError(429, "", "").Reason)
	require.Equal(t, ReasonModelUnavailable, NewStatusError(404, "", "").Reason)
	require.Equal(t, ReasonServerError, NewStatusError(503, "", "").Reason)
}

func TestShouldFailoverAndIsRetryableHelpers(t *testing.T) {
	rateLimited := errors.New("429 too many requests")
	require.True(t, IsRetryable(rateLimited))
	require.False(t, ShouldFailover(rateLimited))

	billing := errors.New("insufficient credit quota")
	require.True(t, ShouldFailover(billing))
	require.False(t, IsRetryable(billing))
}
