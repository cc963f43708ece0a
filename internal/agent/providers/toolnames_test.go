package providers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolNameMapSanitizeReplacesDotsAndColons(t *testing.T) {
	m := NewToolNameMap(64)
	got := m.Sanitize("deploy.start:prod")
	require.Equal(t, "deploy__start_colon_prod", got)
}

func TestToolNameMapOriginalRoundTrips(t *testing.T) {
	m := NewToolNameMap(64)
	sanitized := m.Sanitize("deploy.cluster.restart")

	original, ok := m.Original(sanitized)
	require.True(t, ok)
	require.Equal(t, "deploy.cluster.restart", original)
}

func TestToolNameMapSanitizeIsIdempotentPerName(t *testing.T) {
	m := NewToolNameMap(64)
	first := m.Sanitize("deploy.start")
	second := m.Sanitize("deploy.start")
	require.Equal(t, first, second)
}

func TestToolNameMapOriginalUnknownNameIsNotFound(t *testing.T) {
	m := NewToolNameMap(64)
	_, ok := m.Original("never_sanitized")
	require.False(t, ok)
}

func TestToolNameMapTruncatesOverLongNamesWithHashSuffix(t *testing.T) {
	m := NewToolNameMap(20)
	long := "this.is.a.very.long.tool.name.that.exceeds.the.vendor.cap"
	sanitized := m.Sanitize(long)

	require.LessOrEqual(t, len(sanitized), 20)

	original, ok := m.Original(sanitized)
	require.True(t, ok)
	require.Equal(t, long, original)
}

func TestToolNameMapTruncationDisambiguatesSharedPrefixes(t *testing.T) {
	m := NewToolNameMap(20)

	prefix := strings.Repeat("a", 30)
	nameA := prefix + ".alpha"
	nameB := prefix + ".beta"

	sanitizedA := m.Sanitize(nameA)
	sanitizedB := m.Sanitize(nameB)

	require.NotEqual(t, sanitizedA, sanitizedB, "two long names sharing a prefix must not collide after truncation")

	originalA, ok := m.Original(sanitizedA)
	require.True(t, ok)
	require.Equal(t, nameA, originalA)

	originalB, ok := m.Original(sanitizedB)
	require.True(t, ok)
	require.Equal(t, nameB, originalB)
}

func TestToolNameMapMaxLenSmallerThanSuffixStillFits(t *testing.T) {
	m := NewToolNameMap(6)
	sanitized := m.Sanitize("a.very.long.tool.name")
	require.Len(t, sanitized, 6)
}
