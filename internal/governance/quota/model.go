package quota

import (
	"time"

	"github.com/google/uuid"
)

// EndpointChat tags every outbound model call, text or image. The hourly and
// daily counters only count this tag.
const EndpointChat = "chat"

// Event matches the api_usage_logs table schema. Events are append-only.
type Event struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	LatencySeconds *float64  `json:"latency_seconds,omitempty"`
	StatusCode     int       `json:"status_code"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Limits are the thresholds a policy enforces.
type Limits struct {
	MessagesPerHour int `json:"messages_per_hour"`
	MessagesPerDay  int `json:"messages_per_day"`
	CallsPerMinute  int `json:"api_calls_per_minute"`
}

// Policy matches the rate_limit_policies table schema.
type Policy struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Limits    Limits    `json:"limits"`
	IsPremium bool      `json:"is_premium"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tier is the display name of the policy tier. Premium does not change
// thresholds yet.
func (p *Policy) Tier() string {
	if p.IsPremium {
		return "Premium"
	}
	return "Free"
}

// Snapshot is the usage of one user at one instant. It is derived, never stored.
type Snapshot struct {
	MessagesThisHour int       `json:"messages_this_hour"`
	MessagesThisDay  int       `json:"messages_this_day"`
	CallsThisMinute  int       `json:"calls_this_minute"`
	Limits           Limits    `json:"limits"`
	IsRateLimited    bool      `json:"is_rate_limited"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// Reason identifies which window rejected a request.
type Reason string

const (
	ReasonHourlyLimit Reason = "hourly_limit_reached"
	ReasonDailyLimit  Reason = "daily_limit_reached"
	ReasonMinuteLimit Reason = "minute_limit_reached"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	ResetAt    *time.Time    `json:"reset_at,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Snapshot   Snapshot      `json:"snapshot"`
}

// Meter is one gauge of the usage statistics view.
type Meter struct {
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// Stats is the usage statistics view shown to the user.
type Stats struct {
	Tier          string `json:"tier"`
	MessagesHour  Meter  `json:"messages_hour"`
	MessagesDay   Meter  `json:"messages_day"`
	CallsMinute   Meter  `json:"calls_minute"`
	IsRateLimited bool   `json:"is_rate_limited"`
}

// WindowQuery selects the events of one user inside a trailing window ending
// at Now. An empty Endpoint matches every endpoint.
type WindowQuery struct {
	UserID   uuid.UUID
	Endpoint string
	Window   time.Duration
	Now      time.Time
}

// Bounds returns the window bounds. Both are exclusive.
func (q WindowQuery) Bounds() (from, to time.Time) {
	return q.Now.Add(-q.Window), q.Now
}

// Matches reports whether an event falls inside the window. Events exactly
// Window before Now and events at Now are both outside.
func (q WindowQuery) Matches(e Event) bool {
	if e.UserID != q.UserID {
		return false
	}
	if q.Endpoint != "" && e.Endpoint != q.Endpoint {
		return false
	}
	from, to := q.Bounds()
	return e.CreatedAt.After(from) && e.CreatedAt.Before(to)
}

// ListParams holds pagination and filtering parameters for usage event queries.
// When Before is set only events ordered after it are returned and Page is
// ignored.
type ListParams struct {
	Endpoint string
	From     *time.Time
	To       *time.Time
	Before   *Cursor
	Page     int
	PageSize int
}

// Cursor is a position in the newest-first event order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the position of e.
func CursorOf(e Event) *Cursor {
	return &Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 50,
	}
}
