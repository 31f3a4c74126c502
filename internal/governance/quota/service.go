package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/config"
	"github.com/nicole-mentor/nicole/internal/metrics"
	inats "github.com/nicole-mentor/nicole/internal/nats"
)

// UsagePublisher receives every recorded usage event. It may be nil.
type UsagePublisher interface {
	PublishUsageEvent(ctx context.Context, event inats.UsageEvent) error
}

// Service is the single entry point for rate limiting: Check before a billable
// action, Record after it. The two are not atomic; concurrent requests from one
// user may overshoot a limit by the number of requests in flight.
type Service struct {
	repo      Repository
	defaults  Limits
	publisher UsagePublisher
}

// NewService creates a new quota Service. New policies are created with the
// thresholds in cfg.
func NewService(repo Repository, cfg config.QuotaConfig, publisher UsagePublisher) *Service {
	return &Service{
		repo: repo,
		defaults: Limits{
			MessagesPerHour: cfg.MessagesPerHour,
			MessagesPerDay:  cfg.MessagesPerDay,
			CallsPerMinute:  cfg.CallsPerMinute,
		},
		publisher: publisher,
	}
}

// Policy resolves the user's policy, creating it on first access.
func (s *Service) Policy(ctx context.Context, userID uuid.UUID) (*Policy, error) {
	p, err := s.repo.GetOrCreatePolicy(ctx, userID, s.defaults)
	if err != nil {
		return nil, fmt.Errorf("resolving rate limit policy: %w", err)
	}
	return p, nil
}

// Snapshot counts the user's events in each trailing window ending at now.
func (s *Service) Snapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*Policy, Snapshot, error) {
	p, err := s.Policy(ctx, userID)
	if err != nil {
		return nil, Snapshot{}, err
	}

	hour, err := s.repo.CountEvents(ctx, WindowQuery{UserID: userID, Endpoint: EndpointChat, Window: HourWindow, Now: now})
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("counting hourly messages: %w", err)
	}
	day, err := s.repo.CountEvents(ctx, WindowQuery{UserID: userID, Endpoint: EndpointChat, Window: DayWindow, Now: now})
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("counting daily messages: %w", err)
	}
	minute, err := s.repo.CountEvents(ctx, WindowQuery{UserID: userID, Window: MinuteWindow, Now: now})
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("counting calls this minute: %w", err)
	}

	return p, NewSnapshot(hour, day, minute, p.Limits, now), nil
}

// Check decides whether the user may perform a billable action at now. It
// never writes usage events.
func (s *Service) Check(ctx context.Context, userID uuid.UUID, now time.Time) (*Decision, error) {
	_, snap, err := s.Snapshot(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	d := Decide(snap, now)
	if !d.Allowed {
		metrics.RateLimitDenialsTotal.WithLabelValues(string(d.Reason)).Inc()
		slog.Info("quota: request denied",
			"user_id", userID,
			"reason", d.Reason,
			"hour", snap.MessagesThisHour,
			"day", snap.MessagesThisDay,
			"minute", snap.CallsThisMinute,
		)
	}
	return &d, nil
}

// Record appends one usage event. Failed calls are recorded with their status
// code and consume quota like successful ones.
func (s *Service) Record(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.TokenCount < 0 {
		e.TokenCount = 0
	}
	if e.LatencySeconds != nil && *e.LatencySeconds < 0 {
		zero := 0.0
		e.LatencySeconds = &zero
	}

	if err := s.repo.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	metrics.UsageEventsTotal.WithLabelValues(e.Endpoint, metrics.StatusClass(e.StatusCode)).Inc()

	if s.publisher != nil {
		event := inats.UsageEvent{
			EventID:        e.ID,
			UserID:         e.UserID,
			Endpoint:       e.Endpoint,
			StatusCode:     e.StatusCode,
			TokenCount:     e.TokenCount,
			LatencySeconds: e.LatencySeconds,
			Timestamp:      e.CreatedAt,
		}
		if err := s.publisher.PublishUsageEvent(ctx, event); err != nil {
			slog.Warn("quota: publishing usage event failed", "event_id", e.ID, "error", err)
		}
	}
	return nil
}

// Stats returns the usage statistics view. It is recomputed on every call.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID, now time.Time) (*Stats, error) {
	p, snap, err := s.Snapshot(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return NewStats(p, snap), nil
}

// ListEvents returns a page of the user's usage events, newest first.
func (s *Service) ListEvents(ctx context.Context, userID uuid.UUID, params ListParams) ([]Event, int64, error) {
	events, total, err := s.repo.ListEvents(ctx, userID, params)
	if err != nil {
		return nil, 0, fmt.Errorf("listing usage events: %w", err)
	}
	return events, total, nil
}

// ExportEvents returns up to limit of the user's events matching params,
// newest first. The log is read in keyset order so events appended during the
// export never shift later pages. truncated is true when more events matched
// than were returned.
func (s *Service) ExportEvents(ctx context.Context, userID uuid.UUID, params ListParams, limit int) (events []Event, truncated bool, err error) {
	params.Page = 1
	params.PageSize = MaxPageSize
	params.Before = nil
	events = make([]Event, 0)

	for {
		page, _, err := s.ListEvents(ctx, userID, params)
		if err != nil {
			return nil, false, err
		}
		events = append(events, page...)
		if len(events) > limit {
			return events[:limit], true, nil
		}
		if len(page) < params.PageSize {
			return events, false, nil
		}
		params.Before = CursorOf(page[len(page)-1])
	}
}
