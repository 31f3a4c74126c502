package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicole-mentor/nicole/internal/database"
)

// Repository is the only path to the usage log and the policy table.
type Repository interface {
	// GetOrCreatePolicy returns the user's policy, creating it with defaults on
	// first access. Concurrent first calls yield a single row.
	GetOrCreatePolicy(ctx context.Context, userID uuid.UUID, defaults Limits) (*Policy, error)
	AppendEvent(ctx context.Context, event *Event) error
	CountEvents(ctx context.Context, q WindowQuery) (int, error)
	ListEvents(ctx context.Context, userID uuid.UUID, params ListParams) ([]Event, int64, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a postgres-backed quota Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetOrCreatePolicy(ctx context.Context, userID uuid.UUID, defaults Limits) (*Policy, error) {
	p, err := r.getPolicy(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	p, err = r.insertPolicy(ctx, userID, defaults)
	if err == nil {
		return p, nil
	}
	if !database.IsUniqueViolation(err) {
		return nil, err
	}

	// A concurrent request created the row first; read the winner.
	p, err = r.getPolicy(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("rate limit policy for user %s missing after conflict", userID)
	}
	return p, nil
}

func (r *postgresRepository) getPolicy(ctx context.Context, userID uuid.UUID) (*Policy, error) {
	query := `
		SELECT id, user_id, messages_per_hour, messages_per_day, api_calls_per_minute,
		       is_premium, created_at, updated_at
		FROM rate_limit_policies
		WHERE user_id = $1`

	p := &Policy{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&p.ID, &p.UserID, &p.Limits.MessagesPerHour, &p.Limits.MessagesPerDay,
		&p.Limits.CallsPerMinute, &p.IsPremium, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying rate limit policy: %w", err)
	}
	return p, nil
}

func (r *postgresRepository) insertPolicy(ctx context.Context, userID uuid.UUID, limits Limits) (*Policy, error) {
	query := `
		INSERT INTO rate_limit_policies (id, user_id, messages_per_hour, messages_per_day, api_calls_per_minute)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, messages_per_hour, messages_per_day, api_calls_per_minute,
		          is_premium, created_at, updated_at`

	p := &Policy{}
	err := r.pool.QueryRow(ctx, query,
		uuid.New(), userID, limits.MessagesPerHour, limits.MessagesPerDay, limits.CallsPerMinute,
	).Scan(
		&p.ID, &p.UserID, &p.Limits.MessagesPerHour, &p.Limits.MessagesPerDay,
		&p.Limits.CallsPerMinute, &p.IsPremium, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting rate limit policy: %w", err)
	}
	return p, nil
}

func (r *postgresRepository) AppendEvent(ctx context.Context, e *Event) error {
	query := `
		INSERT INTO api_usage_logs (id, user_id, endpoint, latency_seconds, status_code, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.Endpoint, e.LatencySeconds, e.StatusCode, e.TokenCount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

func (r *postgresRepository) CountEvents(ctx context.Context, q WindowQuery) (int, error) {
	from, to := q.Bounds()

	query := `
		SELECT COUNT(*) FROM api_usage_logs
		WHERE user_id = $1 AND created_at > $2 AND created_at < $3`
	args := []any{q.UserID, from, to}
	if q.Endpoint != "" {
		query += ` AND endpoint = $4`
		args = append(args, q.Endpoint)
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting usage events: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) ListEvents(ctx context.Context, userID uuid.UUID, params ListParams) ([]Event, int64, error) {
	params = normalizeListParams(params)

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
	args = append(args, userID)
	argIdx++

	if params.Endpoint != "" {
		conditions = append(conditions, fmt.Sprintf("endpoint = $%d", argIdx))
		args = append(args, params.Endpoint)
		argIdx++
	}

	if params.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *params.From)
		argIdx++
	}

	if params.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *params.To)
		argIdx++
	}

	if params.Before != nil {
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, params.Before.CreatedAt, params.Before.ID)
		argIdx += 2
		params.Page = 1
	}

	where := strings.Join(conditions, " AND ")

	var totalCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM api_usage_logs WHERE %s", where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting usage events: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, endpoint, latency_seconds, status_code, token_count, created_at
		 FROM api_usage_logs WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying usage events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, params.PageSize)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.Endpoint, &e.LatencySeconds,
			&e.StatusCode, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning usage event: %w", err)
		}
		events = append(events, e)
	}

	return events, totalCount, rows.Err()
}

// MaxPageSize bounds a single page of usage events.
const MaxPageSize = 1000

func normalizeListParams(params ListParams) ListParams {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > MaxPageSize {
		params.PageSize = DefaultListParams().PageSize
	}
	return params
}
