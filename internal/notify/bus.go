// Package notify implements the Notification Bus (spec §4.7): a
// publish-only Redis pub/sub channel, grounded on the goadesign-goa-ai
// pack member's github.com/redis/go-redis/v9 usage. Subscribers are
// external chat adapters, one per platform; this module only publishes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// channelPrefix mirrors spec §6.4's notifications:<platform> naming.
const channelPrefix = "notifications:"

// Bus publishes Notification values to the channel matching their platform.
type Bus struct {
	client *redis.Client
	logger *slog.Logger
}

// New builds a Bus over an already-configured redis.Client.
func New(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger}
}

func channelFor(platform string) string { return channelPrefix + platform }

// Publish JSON-serializes n and publishes it to notifications:<platform>.
// A publish failure is logged, not returned, matching the Scheduler
// Worker's fire-and-forget dispatch — a dropped notification should never
// block job-loop progress.
func (b *Bus) Publish(ctx context.Context, n contract.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("failed to marshal notification", "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelFor(n.Platform), data).Err(); err != nil {
		b.logger.Error("failed to publish notification", "platform", n.Platform, "error", err)
	}
}

// Subscribe returns a redis.PubSub for platform, used by test harnesses
// and reference chat-adapter implementations exercising this bus.
func (b *Bus) Subscribe(ctx context.Context, platform string) *redis.PubSub {
	return b.client.Subscribe(ctx, channelFor(platform))
}

// Decode parses one pub/sub message payload back into a Notification.
func Decode(payload string) (contract.Notification, error) {
	var n contract.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}
