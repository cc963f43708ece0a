package storage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/orchestrator-core/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// Grounded on internal/jobs.MemoryStore's mutex+map+clone-on-access pattern.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]*models.User
	links     map[string]*models.PlatformLink // key: platform+"/"+platformUserID
	personas  map[string]*models.Persona
	convs     map[string]*models.Conversation
	messages  map[string][]*models.Message // key: conversationID
	summaries map[string][]*models.MemorySummary
	tokenLogs []*models.TokenLog
	jobs      map[string]*models.ScheduledJob
	files     map[string][]*models.FileRecord // key: conversationID
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*models.User),
		links:     make(map[string]*models.PlatformLink),
		personas:  make(map[string]*models.Persona),
		convs:     make(map[string]*models.Conversation),
		messages:  make(map[string][]*models.Message),
		summaries: make(map[string][]*models.MemorySummary),
		jobs:      make(map[string]*models.ScheduledJob),
		files:     make(map[string][]*models.FileRecord),
	}
}

func linkKey(platform, platformUserID string) string { return platform + "/" + platformUserID }

func cloneUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	c := *u
	if u.MonthlyTokenBudget != nil {
		b := *u.MonthlyTokenBudget
		c.MonthlyTokenBudget = &b
	}
	return &c
}

func cloneLink(l *models.PlatformLink) *models.PlatformLink {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

func (m *MemoryStore) GetUserByPlatformLink(_ context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkKey(platform, platformUserID)]
	if !ok {
		return nil, nil, ErrNotFound
	}
	user, ok := m.users[link.UserID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return cloneUser(user), cloneLink(link), nil
}

func (m *MemoryStore) CreateGuestUser(_ context.Context, platform, platformUserID, platformUsername string, guestBudget int64) (*models.User, *models.PlatformLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	budget := guestBudget
	user := &models.User{
		ID:              uuid.NewString(),
		PermissionLevel: models.PermissionGuest,
		MonthlyTokenBudget: &budget,
		BudgetResetAt:   time.Now().AddDate(0, 1, 0),
	}
	link := &models.PlatformLink{
		UserID:           user.ID,
		Platform:         platform,
		PlatformUserID:   platformUserID,
		PlatformUsername: platformUsername,
	}
	m.users[user.ID] = user
	m.links[linkKey(platform, platformUserID)] = link
	return cloneUser(user), cloneLink(link), nil
}

func (m *MemoryStore) UpdatePlatformUsername(_ context.Context, platform, platformUserID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkKey(platform, platformUserID)]
	if !ok {
		return ErrNotFound
	}
	link.PlatformUsername = username
	return nil
}

func (m *MemoryStore) SaveUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *MemoryStore) FindPersona(_ context.Context, platform, platformServerID string) (*models.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.personas {
		if p.BoundTo(platform, platformServerID) {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DefaultPersona(_ context.Context) (*models.Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.personas {
		if p.IsDefault {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// AddPersona is a test/seeding helper, not part of the Store interface.
func (m *MemoryStore) AddPersona(p *models.Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personas[p.ID] = p
}

func (m *MemoryStore) FindActiveConversation(_ context.Context, userID, platform, channelID, threadID string, idleWindow time.Duration, now time.Time) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Conversation
	for _, c := range m.convs {
		if c.UserID != userID || c.Platform != platform || c.PlatformChannelID != channelID || c.PlatformThreadID != threadID {
			continue
		}
		if now.Sub(c.LastActiveAt) > idleWindow {
			continue
		}
		if best == nil || c.LastActiveAt.After(best.LastActiveAt) {
			cc := *c
			best = &cc
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *conv
	m.convs[conv.ID] = &c
	return nil
}

func (m *MemoryStore) TouchConversation(_ context.Context, conversationID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.LastActiveAt = now
	return nil
}

func (m *MemoryStore) LatestSummary(_ context.Context, conversationID string) (*models.MemorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.summaries[conversationID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	latest := list[0]
	for _, s := range list[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	c := *latest
	return &c, nil
}

// AddSummary is a test/seeding helper.
func (m *MemoryStore) AddSummary(s *models.MemorySummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.ConversationID] = append(m.summaries[s.ConversationID], s)
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &c)
	return nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) CreateFileRecord(_ context.Context, rec *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	c := *rec
	m.files[rec.ConversationID] = append(m.files[rec.ConversationID], &c)
	return nil
}

// FilesForConversation is a test/inspection helper mirroring AddSummary.
func (m *MemoryStore) FilesForConversation(conversationID string) []*models.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.FileRecord, len(m.files[conversationID]))
	copy(out, m.files[conversationID])
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SearchMemory ranks every summary belonging to userID by cosine similarity
// and applies the relevance threshold in application code, mirroring the
// same gate the Postgres implementation applies inside its SQL.
func (m *MemoryStore) SearchMemory(_ context.Context, userID string, embedding []float32, threshold float64, limit int) ([]*models.MemorySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		s    *models.MemorySummary
		sim  float64
	}
	var candidates []scored
	for _, list := range m.summaries {
		for _, s := range list {
			if s.UserID != userID {
				continue
			}
			sim := cosineSimilarity(embedding, s.Embedding)
			if sim < threshold {
				continue
			}
			candidates = append(candidates, scored{s, sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*models.MemorySummary, 0, len(candidates))
	for _, c := range candidates {
		cc := *c.s
		out = append(out, &cc)
	}
	return out, nil
}

func (m *MemoryStore) AppendTokenLog(_ context.Context, log *models.TokenLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *log
	m.tokenLogs = append(m.tokenLogs, &c)
	return nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, userID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.TokensUsedThisMonth += tokens
	return nil
}

func cloneJob(j *models.ScheduledJob) *models.ScheduledJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.CheckConfig != nil {
		cfg := make([]byte, len(j.CheckConfig))
		copy(cfg, j.CheckConfig)
		c.CheckConfig = cfg
	}
	return &c
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) DueJobs(_ context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduledJob
	for _, j := range m.jobs {
		if j.Due(now) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, userID string, statusFilter models.JobStatus) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduledJob
	for _, j := range m.jobs {
		if j.UserID != userID {
			continue
		}
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) JobsInWorkflow(_ context.Context, workflowID string) ([]*models.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduledJob
	for _, j := range m.jobs {
		if j.WorkflowID == workflowID {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
