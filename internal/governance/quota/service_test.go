package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicole-mentor/nicole/internal/config"
	inats "github.com/nicole-mentor/nicole/internal/nats"
)

var defaultQuotaCfg = config.QuotaConfig{MessagesPerHour: 30, MessagesPerDay: 200, CallsPerMinute: 5}

type recordingPublisher struct {
	mu     sync.Mutex
	events []inats.UsageEvent
	err    error
}

func (p *recordingPublisher) PublishUsageEvent(_ context.Context, e inats.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	return NewService(repo, defaultQuotaCfg, nil), repo
}

func TestService_Stats_NewUser(t *testing.T) {
	svc, repo := newTestService(t)
	userID := uuid.New()

	stats, err := svc.Stats(context.Background(), userID, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.MessagesHour.Current)
	assert.Equal(t, 30, stats.MessagesHour.Limit)
	assert.Equal(t, 200, stats.MessagesDay.Limit)
	assert.False(t, stats.IsRateLimited)
	assert.Equal(t, "Free", stats.Tier)
	assert.Equal(t, 1, repo.inserts, "policy created lazily on first access")
}

func TestService_Check_HourlyLimit(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("one under the limit is allowed", func(t *testing.T) {
		svc, repo := newTestService(t)
		userID := uuid.New()
		// spread out so the per-minute window stays empty
		for i := range 29 {
			repo.seed(userID, EndpointChat, now.Add(-time.Duration(i+2)*time.Minute), 1)
		}

		d, err := svc.Check(context.Background(), userID, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 29, d.Snapshot.MessagesThisHour)
	})

	t.Run("at the limit is denied", func(t *testing.T) {
		svc, repo := newTestService(t)
		userID := uuid.New()
		for i := range 30 {
			repo.seed(userID, EndpointChat, now.Add(-time.Duration(i+2)*time.Minute), 1)
		}

		d, err := svc.Check(context.Background(), userID, now)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonHourlyLimit, d.Reason)
		assert.Equal(t, "Hourly limit reached (30 messages). Reset at 13:00", d.Message)
	})
}

func TestService_Check_WindowBoundary(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	svc, repo := newTestService(t)
	userID := uuid.New()
	repo.seed(userID, EndpointChat, now.Add(-time.Hour), 1)

	d, err := svc.Check(ctx, userID, now)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Snapshot.MessagesThisHour, "event exactly one hour ago is excluded")
	assert.Equal(t, 1, d.Snapshot.MessagesThisDay)

	repo.seed(userID, EndpointChat, now.Add(-time.Hour+time.Second), 1)

	d, err = svc.Check(ctx, userID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Snapshot.MessagesThisHour)

	repo.seed(userID, EndpointChat, now, 1)

	d, err = svc.Check(ctx, userID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Snapshot.MessagesThisHour, "event at the evaluation instant is excluded")
	assert.Equal(t, 0, d.Snapshot.CallsThisMinute)

	d, err = svc.Check(ctx, userID, now.Add(time.Second))
	require.NoError(t, err)
	// the event at now enters as the one at now-1h+1s reaches the lower bound
	assert.Equal(t, 1, d.Snapshot.MessagesThisHour)
	assert.Equal(t, 1, d.Snapshot.CallsThisMinute)
	assert.Equal(t, 3, d.Snapshot.MessagesThisDay)
}

func TestService_Check_MinuteCounterCountsAllEndpoints(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newTestService(t)
	userID := uuid.New()

	repo.seed(userID, otherEndpoint, now.Add(-10*time.Second), 5)

	d, err := svc.Check(context.Background(), userID, now)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Snapshot.MessagesThisHour)
	assert.Equal(t, 5, d.Snapshot.CallsThisMinute)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
}

func TestService_Check_OtherUsersDoNotCount(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newTestService(t)

	repo.seed(uuid.New(), EndpointChat, now.Add(-time.Second), 10)

	d, err := svc.Check(context.Background(), uuid.New(), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestService_Check_DoesNotWrite(t *testing.T) {
	svc, repo := newTestService(t)
	userID := uuid.New()

	for range 3 {
		_, err := svc.Check(context.Background(), userID, time.Now())
		require.NoError(t, err)
	}
	assert.Empty(t, repo.events)
}

func TestService_Stats_PercentageCapped(t *testing.T) {
	now := time.Now().UTC()
	svc, repo := newTestService(t)
	userID := uuid.New()
	repo.seed(userID, EndpointChat, now.Add(-30*time.Minute), 35)

	stats, err := svc.Stats(context.Background(), userID, now)
	require.NoError(t, err)
	assert.Equal(t, 35, stats.MessagesHour.Current)
	assert.Equal(t, 100.0, stats.MessagesHour.Percentage)
	assert.True(t, stats.IsRateLimited)
}

func TestService_Policy_ConcurrentFirstAccess(t *testing.T) {
	svc, repo := newTestService(t)
	userID := uuid.New()

	const callers = 8
	var barrier sync.WaitGroup
	barrier.Add(callers)
	repo.beforeInsert = func() {
		barrier.Done()
		barrier.Wait()
	}

	var wg sync.WaitGroup
	policies := make([]*Policy, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			policies[i], errs[i] = svc.Policy(context.Background(), userID)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, policies[0].ID, policies[i].ID)
		assert.Equal(t, defaultLimits, policies[i].Limits)
	}
	assert.Equal(t, 1, repo.inserts)
	assert.Len(t, repo.policies, 1)
}

func TestService_Record_FailuresConsumeQuota(t *testing.T) {
	now := time.Now().UTC()
	svc, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	latency := 30.0
	err := svc.Record(ctx, &Event{
		UserID:         userID,
		Endpoint:       EndpointChat,
		StatusCode:     504,
		LatencySeconds: &latency,
		CreatedAt:      now.Add(-time.Second),
	})
	require.NoError(t, err)

	d, err := svc.Check(ctx, userID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Snapshot.MessagesThisHour)
	assert.Equal(t, 1, d.Snapshot.MessagesThisDay)
	assert.Equal(t, 1, d.Snapshot.CallsThisMinute)
}

func TestService_Record_FillsDefaults(t *testing.T) {
	svc, repo := newTestService(t)
	negative := -1.5

	e := &Event{UserID: uuid.New(), Endpoint: EndpointChat, StatusCode: 200, TokenCount: -4, LatencySeconds: &negative}
	require.NoError(t, svc.Record(context.Background(), e))

	require.Len(t, repo.events, 1)
	got := repo.events[0]
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.Zero(t, got.TokenCount)
	require.NotNil(t, got.LatencySeconds)
	assert.Zero(t, *got.LatencySeconds)
}

func TestService_Record_PublishesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(newMemRepo(), defaultQuotaCfg, pub)
	userID := uuid.New()

	e := &Event{UserID: userID, Endpoint: EndpointChat, StatusCode: 200, TokenCount: 42}
	require.NoError(t, svc.Record(context.Background(), e))

	require.Len(t, pub.events, 1)
	assert.Equal(t, e.ID, pub.events[0].EventID)
	assert.Equal(t, userID, pub.events[0].UserID)
	assert.Equal(t, 42, pub.events[0].TokenCount)
}

func TestService_Record_PublishFailureIsIgnored(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	repo := newMemRepo()
	svc := NewService(repo, defaultQuotaCfg, pub)

	err := svc.Record(context.Background(), &Event{UserID: uuid.New(), Endpoint: EndpointChat, StatusCode: 200})
	require.NoError(t, err)
	assert.Len(t, repo.events, 1)
}

func TestService_FiveMessagesThenMinuteLimit(t *testing.T) {
	svc, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		now := start.Add(time.Duration(i) * 2 * time.Second)

		d, err := svc.Check(ctx, userID, now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "message %d should be allowed", i+1)
		assert.Equal(t, i, d.Snapshot.CallsThisMinute)

		require.NoError(t, svc.Record(ctx, &Event{
			UserID:     userID,
			Endpoint:   EndpointChat,
			StatusCode: 200,
			CreatedAt:  now,
		}))
	}

	d, err := svc.Check(ctx, userID, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
	assert.Contains(t, d.Message, "Too many requests.")
	assert.True(t, d.Snapshot.IsRateLimited)

	// the minute window slides past the first event
	d, err = svc.Check(ctx, userID, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestService_ListEvents(t *testing.T) {
	svc, repo := newTestService(t)
	userID := uuid.New()
	now := time.Now().UTC()
	repo.seed(userID, EndpointChat, now.Add(-2*time.Minute), 3)
	repo.seed(userID, otherEndpoint, now.Add(-time.Minute), 2)

	events, total, err := svc.ListEvents(context.Background(), userID, ListParams{Endpoint: otherEndpoint, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, events, 2)

	events, total, err = svc.ListEvents(context.Background(), userID, ListParams{Page: 2, PageSize: 4})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, events, 1)
}

func TestService_ExportEvents(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()
	repo.seed(userID, EndpointChat, now.Add(-time.Minute), 3)
	repo.seed(userID, otherEndpoint, now.Add(-time.Minute), 2)

	events, truncated, err := svc.ExportEvents(ctx, userID, ListParams{}, 10)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, events, 5)

	events, truncated, err = svc.ExportEvents(ctx, userID, ListParams{Endpoint: otherEndpoint}, 10)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, events, 2)

	events, truncated, err = svc.ExportEvents(ctx, userID, ListParams{}, 4)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, events, 4)
}

// appendingRepo appends a newer event after serving the first page, like a
// chat message recorded while an export is running.
type appendingRepo struct {
	*memRepo
	userID   uuid.UUID
	appended bool
}

func (r *appendingRepo) ListEvents(ctx context.Context, userID uuid.UUID, params ListParams) ([]Event, int64, error) {
	events, total, err := r.memRepo.ListEvents(ctx, userID, params)
	if !r.appended {
		r.appended = true
		r.seed(r.userID, EndpointChat, time.Now().UTC().Add(time.Hour), 1)
	}
	return events, total, err
}

func TestService_ExportEvents_EqualTimestampsAcrossPages(t *testing.T) {
	userID := uuid.New()
	repo := &appendingRepo{memRepo: newMemRepo(), userID: userID}
	svc := NewService(repo, defaultQuotaCfg, nil)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.seed(userID, EndpointChat, at, MaxPageSize+1)

	events, truncated, err := svc.ExportEvents(context.Background(), userID, ListParams{}, 5000)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, events, MaxPageSize+1)

	seen := make(map[uuid.UUID]bool, len(events))
	for _, e := range events {
		assert.False(t, seen[e.ID], "event %s exported twice", e.ID)
		seen[e.ID] = true
		assert.True(t, e.CreatedAt.Equal(at))
	}
}

func TestService_ExportEvents_LimitAtPageBoundary(t *testing.T) {
	svc, repo := newTestService(t)
	userID := uuid.New()
	repo.seed(userID, EndpointChat, time.Now().UTC().Add(-time.Minute), MaxPageSize)

	events, truncated, err := svc.ExportEvents(context.Background(), userID, ListParams{}, MaxPageSize)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, events, MaxPageSize)

	repo.seed(userID, EndpointChat, time.Now().UTC().Add(-2*time.Minute), 1)

	events, truncated, err = svc.ExportEvents(context.Background(), userID, ListParams{}, MaxPageSize)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, events, MaxPageSize)
}
