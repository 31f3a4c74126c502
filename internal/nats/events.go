package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every domain event. Events are informational and never
// replace the database rows they describe.
const StreamEvents = "NICOLE_EVENTS"

// Subject constants.
const (
	SubjectUsageEvent = "nicole.events.usage"
	SubjectAuditEvent = "nicole.events.audit"
)

// UsageEvent is published after a billable call has been recorded.
type UsageEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	UserID         uuid.UUID `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"status_code"`
	TokenCount     int       `json:"token_count"`
	LatencySeconds *float64  `json:"latency_seconds,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AuditEvent is published for compliance/audit logging.
type AuditEvent struct {
	OwnerUserID  uuid.UUID `json:"owner_user_id"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"` // info, warn, error
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}
