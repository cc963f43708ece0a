package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/orchestrator-core/internal/models"
)

// PostgresConfig tunes the pool, grounded on nexus's jobs.CockroachConfig.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

func sanitizePostgresConfig(cfg PostgresConfig) PostgresConfig {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return cfg
}

// PostgresStore is the database/sql + lib/pq backed Store, grounded on
// nexus's internal/jobs.CockroachStore and its pgvector backend's
// cosine-distance query shape for SearchMemory.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn, configures the pool, and verifies connectivity.
func NewPostgresStore(dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	cfg = sanitizePostgresConfig(cfg)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// newPostgresStoreFromDB wraps an already-open *sql.DB, used by this
// package's tests to drive PostgresStore against go-sqlmock without
// dialing a real database.
func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *PostgresStore) GetUserByPlatformLink(ctx context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.permission_level, u.monthly_token_budget, u.tokens_used_this_month, u.budget_reset_at,
		       l.platform_username
		FROM platform_links l JOIN users u ON u.id = l.user_id
		WHERE l.platform = $1 AND l.platform_user_id = $2`, platform, platformUserID)

	var (
		user     models.User
		budget   sql.NullInt64
		username sql.NullString
	)
	if err := row.Scan(&user.ID, &user.PermissionLevel, &budget, &user.TokensUsedThisMonth, &user.BudgetResetAt, &username); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get user by platform link: %w", err)
	}
	if budget.Valid {
		user.MonthlyTokenBudget = &budget.Int64
	}
	link := &models.PlatformLink{
		UserID:           user.ID,
		Platform:         platform,
		PlatformUserID:   platformUserID,
		PlatformUsername: username.String,
	}
	return &user, link, nil
}

func (s *PostgresStore) CreateGuestUser(ctx context.Context, platform, platformUserID, platformUsername string, guestBudget int64) (*models.User, *models.PlatformLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	user := &models.User{
		PermissionLevel:    models.PermissionGuest,
		MonthlyTokenBudget: &guestBudget,
		BudgetResetAt:      time.Now().AddDate(0, 1, 0),
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO users (permission_level, monthly_token_budget, tokens_used_this_month, budget_reset_at)
		VALUES ($1, $2, 0, $3) RETURNING id`,
		user.PermissionLevel, nullInt64(user.MonthlyTokenBudget), user.BudgetResetAt)
	if err := row.Scan(&user.ID); err != nil {
		return nil, nil, fmt.Errorf("insert guest user: %w", err)
	}

	link := &models.PlatformLink{
		UserID:           user.ID,
		Platform:         platform,
		PlatformUserID:   platformUserID,
		PlatformUsername: platformUsername,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO platform_links (user_id, platform, platform_user_id, platform_username)
		VALUES ($1, $2, $3, $4)`, link.UserID, link.Platform, link.PlatformUserID, nullableString(link.PlatformUsername)); err != nil {
		return nil, nil, fmt.Errorf("insert platform link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return user, link, nil
}

func (s *PostgresStore) UpdatePlatformUsername(ctx context.Context, platform, platformUserID, username string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE platform_links SET platform_username = $1 WHERE platform = $2 AND platform_user_id = $3`,
		nullableString(username), platform, platformUserID)
	if err != nil {
		return fmt.Errorf("update platform username: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET permission_level = $1, monthly_token_budget = $2,
		       tokens_used_this_month = $3, budget_reset_at = $4
		WHERE id = $5`,
		user.PermissionLevel, nullInt64(user.MonthlyTokenBudget), user.TokensUsedThisMonth, user.BudgetResetAt, user.ID)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindPersona(ctx context.Context, platform, platformServerID string) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system_prompt, allowed_modules, default_model, max_tokens_per_req, is_default,
		       bind_platform, bind_platform_server
		FROM personas
		WHERE bind_platform = $1 AND (bind_platform_server = $2 OR bind_platform_server = '')
		ORDER BY bind_platform_server DESC LIMIT 1`, platform, platformServerID)
	return scanPersona(row)
}

func (s *PostgresStore) DefaultPersona(ctx context.Context) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system_prompt, allowed_modules, default_model, max_tokens_per_req, is_default,
		       bind_platform, bind_platform_server
		FROM personas WHERE is_default = true LIMIT 1`)
	return scanPersona(row)
}

func scanPersona(row *sql.Row) (*models.Persona, error) {
	var (
		p              models.Persona
		allowedModules string
		bindPlatform   sql.NullString
		bindServer     sql.NullString
	)
	if err := row.Scan(&p.ID, &p.SystemPrompt, &allowedModules, &p.DefaultModel, &p.MaxTokensPerReq, &p.IsDefault, &bindPlatform, &bindServer); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan persona: %w", err)
	}
	if allowedModules != "" {
		p.AllowedModules = strings.Split(allowedModules, ",")
	}
	p.BindPlatform = bindPlatform.String
	p.BindPlatformServer = bindServer.String
	return &p, nil
}

func (s *PostgresStore) FindActiveConversation(ctx context.Context, userID, platform, channelID, threadID string, idleWindow time.Duration, now time.Time) (*models.Conversation, error) {
	cutoff := now.Add(-idleWindow)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, persona_id, platform, platform_channel_id, platform_thread_id,
		       started_at, last_active_at, is_summarized, title
		FROM conversations
		WHERE user_id = $1 AND platform = $2 AND platform_channel_id = $3 AND platform_thread_id = $4
		      AND last_active_at >= $5
		ORDER BY last_active_at DESC LIMIT 1`, userID, platform, channelID, threadID, cutoff)

	var c models.Conversation
	var threadCol, title sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.PersonaID, &c.Platform, &c.PlatformChannelID, &threadCol,
		&c.StartedAt, &c.LastActiveAt, &c.IsSummarized, &title); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find active conversation: %w", err)
	}
	c.PlatformThreadID = threadCol.String
	c.Title = title.String
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (user_id, persona_id, platform, platform_channel_id, platform_thread_id,
		       started_at, last_active_at, is_summarized, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		conv.UserID, conv.PersonaID, conv.Platform, conv.PlatformChannelID, nullableString(conv.PlatformThreadID),
		conv.StartedAt, conv.LastActiveAt, conv.IsSummarized, nullableString(conv.Title))
	if err := row.Scan(&conv.ID); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_active_at = $1 WHERE id = $2`, now, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LatestSummary(ctx context.Context, conversationID string) (*models.MemorySummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, summary, created_at
		FROM memory_summaries WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`, conversationID)
	var m models.MemorySummary
	if err := row.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Summary, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, token_count, model_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.ConversationID, msg.Role, msg.Content, msg.TokenCount, nullableString(msg.ModelUsed), msg.CreatedAt)
	if err := row.Scan(&msg.ID); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateFileRecord(ctx context.Context, rec *models.FileRecord) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO file_records (user_id, conversation_id, filename, url, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		rec.UserID, rec.ConversationID, rec.Filename, rec.URL, nullableString(rec.MimeType), rec.CreatedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("create file record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, token_count, model_used, created_at
		FROM (
		  SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var model sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.TokenCount, &model, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ModelUsed = model.String
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// SearchMemory mirrors the pgvector backend's cosine-distance query: the
// relevance threshold is applied inside the WHERE clause, not as a
// post-filter, and ordering walks the <=> operator directly so the index
// can be used.
func (s *PostgresStore) SearchMemory(ctx context.Context, userID string, embedding []float32, threshold float64, limit int) ([]*models.MemorySummary, error) {
	vec := encodeVector(embedding)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, summary, created_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM memory_summaries
		WHERE user_id = $2 AND (1 - (embedding <=> $1::vector)) >= $3
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $4`, vec, userID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []*models.MemorySummary
	for rows.Next() {
		var m models.MemorySummary
		var similarity float64
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Summary, &m.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scan memory summary: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", f)
	}
	b.WriteByte(']')
	return b.String()
}

func (s *PostgresStore) AppendTokenLog(ctx context.Context, log *models.TokenLog) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO token_logs (user_id, conversation_id, model, input_tokens, output_tokens, cost_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		log.UserID, nullableString(log.ConversationID), log.Model, log.InputTokens, log.OutputTokens, log.CostEstimate, log.CreatedAt)
	if err := row.Scan(&log.ID); err != nil {
		return fmt.Errorf("append token log: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, userID string, tokens int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET tokens_used_this_month = tokens_used_this_month + $1 WHERE id = $2`, tokens, userID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// jobScanner lets one scan function serve both *sql.Row and *sql.Rows,
// mirroring nexus's internal/jobs.jobScanner.
type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (*models.ScheduledJob, error) {
	var (
		j                  models.ScheduledJob
		channelID, thread  sql.NullString
		onSuccess, onFail  sql.NullString
		workflowID         sql.NullString
		completedAt        sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.Platform, &channelID, &thread, &j.JobType, &j.CheckConfig,
		&j.IntervalSeconds, &j.MaxAttempts, &j.Attempts, &onSuccess, &onFail, &j.OnComplete, &workflowID,
		&j.Status, &j.NextRunAt, &j.CreatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.PlatformChannelID = channelID.String
	j.PlatformThreadID = thread.String
	j.OnSuccessMessage = onSuccess.String
	j.OnFailureMessage = onFail.String
	j.WorkflowID = workflowID.String
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

const jobColumns = `id, user_id, platform, platform_channel_id, platform_thread_id, job_type, check_config,
	interval_seconds, max_attempts, attempts, on_success_message, on_failure_message, on_complete,
	workflow_id, status, next_run_at, created_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_jobs (user_id, platform, platform_channel_id, platform_thread_id, job_type,
		       check_config, interval_seconds, max_attempts, attempts, on_success_message, on_failure_message,
		       on_complete, workflow_id, status, next_run_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		job.UserID, job.Platform, nullableString(job.PlatformChannelID), nullableString(job.PlatformThreadID),
		job.JobType, []byte(job.CheckConfig), job.IntervalSeconds, job.MaxAttempts, job.Attempts,
		nullableString(job.OnSuccessMessage), nullableString(job.OnFailureMessage), job.OnComplete,
		nullableString(job.WorkflowID), job.Status, job.NextRunAt, job.CreatedAt)
	if err := row.Scan(&job.ID); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = $1 AND next_run_at <= $2 ORDER BY next_run_at ASC`, models.JobStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET attempts = $1, status = $2, next_run_at = $3, completed_at = $4,
		       check_config = $5
		WHERE id = $6`,
		job.Attempts, job.Status, job.NextRunAt, nullTime(job.CompletedAt), []byte(job.CheckConfig), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, statusFilter models.JobStatus) ([]*models.ScheduledJob, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if statusFilter != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM scheduled_jobs WHERE user_id = $1 AND status = $2 ORDER BY created_at ASC`,
			userID, statusFilter)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM scheduled_jobs WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func (s *PostgresStore) JobsInWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("jobs in workflow: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func scanJobRows(rows *sql.Rows) ([]*models.ScheduledJob, error) {
	var out []*models.ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
