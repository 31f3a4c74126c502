package chat

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/governance/quota"
	"github.com/nicole-mentor/nicole/internal/llm"
	inats "github.com/nicole-mentor/nicole/internal/nats"
)

type memRepo struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*Session
	messages    []Message
	tags        map[uuid.UUID]*Tag
	sessionTags map[uuid.UUID][]uuid.UUID
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions:    make(map[uuid.UUID]*Session),
		tags:        make(map[uuid.UUID]*Tag),
		sessionTags: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *memRepo) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memRepo) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return m.withTags(s), nil
}

func (m *memRepo) withTags(s *Session) *Session {
	cp := *s
	cp.Tags = []Tag{}
	for _, id := range m.sessionTags[s.ID] {
		cp.Tags = append(cp.Tags, *m.tags[id])
	}
	return &cp
}

func (m *memRepo) ListSessions(_ context.Context, ownerID uuid.UUID, params ListSessionsParams) ([]*Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(params.Query))
	var matched []*Session
	for _, s := range m.sessions {
		if s.OwnerUserID != ownerID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(s.Title), q) && !m.hasMessageLike(s.ID, q) {
			continue
		}
		if params.TagID != nil && !slices.Contains(m.sessionTags[s.ID], *params.TagID) {
			continue
		}
		matched = append(matched, m.withTags(s))
	}
	slices.SortFunc(matched, func(a, b *Session) int {
		return b.LastActivity.Compare(a.LastActivity)
	})

	total := int64(len(matched))
	start := min((params.Page-1)*params.PageSize, len(matched))
	end := min(start+params.PageSize, len(matched))
	return matched[start:end], total, nil
}

func (m *memRepo) hasMessageLike(sessionID uuid.UUID, q string) bool {
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && strings.Contains(strings.ToLower(msg.Content), q) {
			return true
		}
	}
	return false
}

func (m *memRepo) RenameSession(_ context.Context, id uuid.UUID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Title = title
	return nil
}

func (m *memRepo) TouchSession(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

func (m *memRepo) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.sessionTags, id)
	m.messages = slices.DeleteFunc(m.messages, func(msg Message) bool { return msg.SessionID == id })
	return nil
}

func (m *memRepo) AddMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memRepo) ListMessages(_ context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memRepo) CreateTag(_ context.Context, t *Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tags {
		if existing.OwnerUserID == t.OwnerUserID && existing.Name == t.Name {
			return ErrTagExists
		}
	}
	cp := *t
	m.tags[t.ID] = &cp
	return nil
}

func (m *memRepo) GetTag(_ context.Context, id uuid.UUID) (*Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memRepo) ListTags(_ context.Context, ownerID uuid.UUID) ([]Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tag, 0)
	for _, t := range m.tags {
		if t.OwnerUserID == ownerID {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Tag) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memRepo) DeleteTag(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags, id)
	for sid, ids := range m.sessionTags {
		m.sessionTags[sid] = slices.DeleteFunc(ids, func(t uuid.UUID) bool { return t == id })
	}
	return nil
}

func (m *memRepo) AttachTag(_ context.Context, sessionID, tagID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.sessionTags[sessionID], tagID) {
		m.sessionTags[sessionID] = append(m.sessionTags[sessionID], tagID)
	}
	return nil
}

func (m *memRepo) DetachTag(_ context.Context, sessionID, tagID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionTags[sessionID] = slices.DeleteFunc(m.sessionTags[sessionID], func(t uuid.UUID) bool { return t == tagID })
	return nil
}

func (m *memRepo) messagesOf(sessionID uuid.UUID) []Message {
	msgs, _ := m.ListMessages(context.Background(), sessionID, 0)
	return msgs
}

// fakeLimiter allows every call unless deny is set.
type fakeLimiter struct {
	mu      sync.Mutex
	deny    *quota.Decision
	checks  int
	records []quota.Event
}

func (f *fakeLimiter) Check(_ context.Context, _ uuid.UUID, now time.Time) (*quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.deny != nil {
		d := *f.deny
		return &d, nil
	}
	return &quota.Decision{
		Allowed:  true,
		Snapshot: quota.NewSnapshot(0, 0, 0, quota.Limits{MessagesPerHour: 30, MessagesPerDay: 200, CallsPerMinute: 5}, now),
	}, nil
}

func (f *fakeLimiter) Record(_ context.Context, e *quota.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *e)
	return nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	reply     *llm.Reply
	image     *llm.Image
	err       error
	calls     int
	lastTurns []llm.Turn
	lastCtx   context.Context
	lastImage string
	lastSys   string
}

func (f *fakeGenerator) Generate(ctx context.Context, systemInstruction string, turns []llm.Turn) (*llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCtx = ctx
	f.lastSys = systemInstruction
	f.lastTurns = slices.Clone(turns)
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return &llm.Reply{Text: "Great question!", TokenCount: 42}, nil
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, prompt string) (*llm.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCtx = ctx
	f.lastImage = prompt
	if f.err != nil {
		return nil, f.err
	}
	if f.image != nil {
		return f.image, nil
	}
	return &llm.Image{Data: []byte("png-bytes"), MIMEType: "image/png"}, nil
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []inats.AuditEvent
}

func (f *fakeAuditor) Audit(_ context.Context, e inats.AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAuditor) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

// memUsageLog is an in-memory quota.Repository for driving a real
// quota.Service.
type memUsageLog struct {
	mu     sync.Mutex
	policy map[uuid.UUID]*quota.Policy
	events []quota.Event
}

func newMemUsageLog() *memUsageLog {
	return &memUsageLog{policy: make(map[uuid.UUID]*quota.Policy)}
}

func (l *memUsageLog) GetOrCreatePolicy(_ context.Context, userID uuid.UUID, defaults quota.Limits) (*quota.Policy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policy[userID]
	if !ok {
		p = &quota.Policy{ID: uuid.New(), UserID: userID, Limits: defaults}
		l.policy[userID] = p
	}
	cp := *p
	return &cp, nil
}

func (l *memUsageLog) AppendEvent(_ context.Context, e *quota.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := *e
	// back-to-back sends stay strictly before the next check on coarse clocks
	stored.CreatedAt = stored.CreatedAt.Add(-time.Millisecond)
	l.events = append(l.events, stored)
	return nil
}

func (l *memUsageLog) CountEvents(_ context.Context, q quota.WindowQuery) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if q.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (l *memUsageLog) ListEvents(_ context.Context, userID uuid.UUID, _ quota.ListParams) ([]quota.Event, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []quota.Event
	for _, e := range l.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, int64(len(out)), nil
}
