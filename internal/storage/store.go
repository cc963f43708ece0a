// Package storage defines the persisted-state surface of spec §6.5 and
// provides a Postgres-backed implementation (database/sql + lib/pq,
// grounded on nexus's internal/jobs.CockroachStore) plus an in-memory
// implementation for tests (grounded on internal/jobs.MemoryStore).
package storage

import (
	"context"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/models"
)

// Store is the thin persistence surface every component above it depends
// on. A live deployment wires *PostgresStore; unit tests wire *MemoryStore.
type Store interface {
	// Users
	GetUserByPlatformLink(ctx context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error)
	CreateGuestUser(ctx context.Context, platform, platformUserID, platformUsername string, guestBudget int64) (*models.User, *models.PlatformLink, error)
	UpdatePlatformUsername(ctx context.Context, platform, platformUserID, username string) error
	SaveUser(ctx context.Context, user *models.User) error

	// Personas
	FindPersona(ctx context.Context, platform, platformServerID string) (*models.Persona, error)
	DefaultPersona(ctx context.Context) (*models.Persona, error)

	// Conversations
	FindActiveConversation(ctx context.Context, userID, platform, channelID, threadID string, idleWindow time.Duration, now time.Time) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	TouchConversation(ctx context.Context, conversationID string, now time.Time) error
	LatestSummary(ctx context.Context, conversationID string) (*models.MemorySummary, error)

	// Messages
	AppendMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// Attachments
	CreateFileRecord(ctx context.Context, rec *models.FileRecord) error

	// Memory
	SearchMemory(ctx context.Context, userID string, embedding []float32, threshold float64, limit int) ([]*models.MemorySummary, error)

	// Token accounting
	AppendTokenLog(ctx context.Context, log *models.TokenLog) error
	IncrementUsage(ctx context.Context, userID string, tokens int64) error

	// Scheduled jobs
	JobStore
}

// JobStore is the Scheduler Worker's persistence surface, isolated so it
// can be exercised independently of the rest of Store in tests (mirrors
// nexus's internal/jobs.Store split).
type JobStore interface {
	CreateJob(ctx context.Context, job *models.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*models.ScheduledJob, error)
	DueJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *models.ScheduledJob) error
	ListJobs(ctx context.Context, userID string, statusFilter models.JobStatus) ([]*models.ScheduledJob, error)
	JobsInWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledJob, error)
}

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "storage: not found" }
