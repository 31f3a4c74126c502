package audit

import (
	"context"
	"log/slog"
	"time"

	inats "github.com/nicole-mentor/nicole/internal/nats"
)

// Inserter persists audit rows.
type Inserter interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// EventPublisher publishes audit events to the event stream.
type EventPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Sink records audit events. With a publisher the event goes through NATS and
// the Consumer persists it; without one, or when publishing fails, the row is
// inserted directly. Failures are logged and never returned.
type Sink struct {
	repo      Inserter
	publisher EventPublisher
}

// NewSink creates a new Sink. publisher may be nil.
func NewSink(repo Inserter, publisher EventPublisher) *Sink {
	return &Sink{repo: repo, publisher: publisher}
}

// Audit records one event.
func (s *Sink) Audit(ctx context.Context, event inats.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	if s.publisher != nil {
		err := s.publisher.PublishAuditEvent(ctx, event)
		if err == nil {
			return
		}
		slog.Warn("audit: publishing event failed, writing directly", "event_type", event.EventType, "error", err)
	}

	if err := s.repo.Insert(ctx, LogFromEvent(event)); err != nil {
		slog.Error("audit: persisting event", "event_type", event.EventType, "error", err)
	}
}
