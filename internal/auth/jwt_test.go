package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	svc := NewJWTService("a-sufficiently-long-secret-value", time.Hour)
	token, err := svc.Issue("portal-user", "chat")
	require.NoError(t, err)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "portal-user", claims.Subject)
	require.Equal(t, "chat", claims.Scope)
}

func TestIssueRejectsEmptySubject(t *testing.T) {
	svc := NewJWTService("a-sufficiently-long-secret-value", time.Hour)
	_, err := svc.Issue("  ", "chat")
	require.Error(t, err)
}

func TestDisabledWhenNoSecretConfigured(t *testing.T) {
	svc := NewJWTService("", time.Hour)
	_, err := svc.Issue("portal-user", "chat")
	require.ErrorIs(t, err, ErrAuthDisabled)

	_, err = svc.Verify("anything")
	require.ErrorIs(t, err, ErrAuthDisabled)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	svc := NewJWTService("a-sufficiently-long-secret-value", time.Hour)
	token, err := svc.Issue("portal-user", "chat")
	require.NoError(t, err)

	_, err = svc.Verify(token + "tampered")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer := NewJWTService("issuer-secret-value-long-enough", time.Hour)
	verifier := NewJWTService("different-secret-value-long-eno", time.Hour)

	token, err := issuer.Issue("portal-user", "chat")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewJWTService("a-sufficiently-long-secret-value", -time.Hour)
	token, err := svc.Issue("portal-user", "chat")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidSecretFormat(t *testing.T) {
	require.True(t, ValidSecretFormat("this-is-a-long-enough-secret"))
	require.False(t, ValidSecretFormat("short"))
	require.False(t, ValidSecretFormat("   "))
}
