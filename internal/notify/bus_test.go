package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

func TestChannelForUsesPlatformPrefix(t *testing.T) {
	require.Equal(t, "notifications:slack", channelFor("slack"))
}

func TestDecodeRoundTrips(t *testing.T) {
	n := contract.Notification{
		Platform:          "slack",
		PlatformChannelID: "C123",
		Content:           "job finished",
		UserID:            "user-1",
		JobID:             "job-1",
	}
	payload := `{"platform":"slack","channel":"C123","content":"job finished","user_id":"user-1","job_id":"job-1"}`

	got, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode("not-json")
	require.Error(t, err)
}
