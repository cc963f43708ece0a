package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	resp, err := WithRetry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return &ChatResponse{Text: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 1, calls)
}

func TestWithRetryRetriesRetryableErrorUntilSuccess(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = 0
	cfg.MaxDelay = 0

	calls := 0
	resp, err := WithRetry(context.Background(), cfg, func(ctx context.Context) (*ChatResponse, error) {
		calls++
		if calls < 3 {
			return nil, &ProviderError{Reason: ReasonServerError, Message: "boom"}
		}
		return &ChatResponse{Text: "recovered"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Text)
	require.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2}
	calls := 0
	_, err := WithRetry(context.Background(), cfg, func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return nil, &ProviderError{Reason: ReasonServerError, Message: "still down"}
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestWithRetryStopsImmediatelyOnBadRequest(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return nil, &ProviderError{Reason: ReasonInvalidRequest, Status: 400}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "bad requests never retry")
}

func TestWithRetryStopsImmediatelyWhenShouldFailover(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return nil, &ProviderError{Reason: ReasonAuth}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "auth failures go straight to the router's fallback chain")
}

func TestWithRetryStopsOnNonRetryableUnknownReason(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), DefaultRetryConfig(), func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return nil, errors.New("some opaque error")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 0, MaxDelay: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := WithRetry(ctx, cfg, func(ctx context.Context) (*ChatResponse, error) {
		calls++
		return nil, &ProviderError{Reason: ReasonServerError}
	})
	require.Error(t, err)
}
