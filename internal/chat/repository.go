package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicole-mentor/nicole/internal/database"
)

type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, ownerID uuid.UUID, params ListSessionsParams) ([]*Session, int64, error)
	RenameSession(ctx context.Context, id uuid.UUID, title string) error
	TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	AddMessage(ctx context.Context, m *Message) error
	// ListMessages returns the session's messages oldest first. With limit > 0
	// only the most recent limit messages are returned.
	ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error)

	CreateTag(ctx context.Context, t *Tag) error
	GetTag(ctx context.Context, id uuid.UUID) (*Tag, error)
	ListTags(ctx context.Context, ownerID uuid.UUID) ([]Tag, error)
	DeleteTag(ctx context.Context, id uuid.UUID) error
	AttachTag(ctx context.Context, sessionID, tagID uuid.UUID) error
	DetachTag(ctx context.Context, sessionID, tagID uuid.UUID) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO chat_sessions (id, owner_user_id, title, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query, s.ID, s.OwnerUserID, s.Title, s.CreatedAt, s.LastActivity)
	if err != nil {
		return fmt.Errorf("inserting chat session: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, owner_user_id, title, created_at, last_activity
		FROM chat_sessions
		WHERE id = $1`

	s := &Session{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.OwnerUserID, &s.Title, &s.CreatedAt, &s.LastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying chat session by id: %w", err)
	}

	tags, err := r.tagsForSessions(ctx, []uuid.UUID{s.ID})
	if err != nil {
		return nil, err
	}
	s.Tags = tagsOrEmpty(tags[s.ID])
	return s, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, ownerID uuid.UUID, params ListSessionsParams) ([]*Session, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("s.owner_user_id = $%d", argIdx))
	args = append(args, ownerID)
	argIdx++

	if q := strings.TrimSpace(params.Query); q != "" {
		conditions = append(conditions, fmt.Sprintf(
			`(s.title ILIKE $%d OR EXISTS (SELECT 1 FROM chat_messages m WHERE m.session_id = s.id AND m.content ILIKE $%d))`,
			argIdx, argIdx))
		args = append(args, "%"+escapeLike(q)+"%")
		argIdx++
	}

	if params.TagID != nil {
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM chat_session_tags st WHERE st.session_id = s.id AND st.tag_id = $%d)", argIdx))
		args = append(args, *params.TagID)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var totalCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM chat_sessions s WHERE %s", where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("counting chat sessions: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(
		`SELECT s.id, s.owner_user_id, s.title, s.created_at, s.last_activity
		 FROM chat_sessions s WHERE %s
		 ORDER BY s.last_activity DESC
		 LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing chat sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0, params.PageSize)
	ids := make([]uuid.UUID, 0, params.PageSize)
	for rows.Next() {
		s := &Session{}
		if err := rows.Scan(&s.ID, &s.OwnerUserID, &s.Title, &s.CreatedAt, &s.LastActivity); err != nil {
			return nil, 0, fmt.Errorf("scanning chat session row: %w", err)
		}
		sessions = append(sessions, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	tags, err := r.tagsForSessions(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, s := range sessions {
		s.Tags = tagsOrEmpty(tags[s.ID])
	}
	return sessions, totalCount, nil
}

func (r *postgresRepository) tagsForSessions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Tag, error) {
	out := make(map[uuid.UUID][]Tag, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT st.session_id, t.id, t.owner_user_id, t.name, t.created_at
		FROM chat_session_tags st
		JOIN chat_tags t ON t.id = st.tag_id
		WHERE st.session_id = ANY($1)
		ORDER BY t.name`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying session tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sessionID uuid.UUID
		var t Tag
		if err := rows.Scan(&sessionID, &t.ID, &t.OwnerUserID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session tag: %w", err)
		}
		out[sessionID] = append(out[sessionID], t)
	}
	return out, rows.Err()
}

func (r *postgresRepository) RenameSession(ctx context.Context, id uuid.UUID, title string) error {
	result, err := r.pool.Exec(ctx, `UPDATE chat_sessions SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("renaming chat session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *postgresRepository) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_sessions SET last_activity = GREATEST(last_activity, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touching chat session: %w", err)
	}
	return nil
}

func (r *postgresRepository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting chat session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *postgresRepository) AddMessage(ctx context.Context, m *Message) error {
	query := `
		INSERT INTO chat_messages (id, session_id, content, is_user, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query, m.ID, m.SessionID, m.Content, m.IsUser, m.MessageType, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, content, is_user, message_type, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT id, session_id, content, is_user, message_type, created_at FROM (
				SELECT id, session_id, content, is_user, message_type, created_at
				FROM chat_messages
				WHERE session_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			) recent
			ORDER BY created_at ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &m.IsUser, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *postgresRepository) CreateTag(ctx context.Context, t *Tag) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_tags (id, owner_user_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.OwnerUserID, t.Name, t.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrTagExists
		}
		return fmt.Errorf("inserting tag: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetTag(ctx context.Context, id uuid.UUID) (*Tag, error) {
	t := &Tag{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_user_id, name, created_at FROM chat_tags WHERE id = $1`, id,
	).Scan(&t.ID, &t.OwnerUserID, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying tag by id: %w", err)
	}
	return t, nil
}

func (r *postgresRepository) ListTags(ctx context.Context, ownerID uuid.UUID) ([]Tag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, owner_user_id, name, created_at FROM chat_tags WHERE owner_user_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.OwnerUserID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (r *postgresRepository) DeleteTag(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM chat_tags WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrTagNotFound
	}
	return nil
}

func (r *postgresRepository) AttachTag(ctx context.Context, sessionID, tagID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_session_tags (session_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		sessionID, tagID)
	if err != nil {
		return fmt.Errorf("attaching tag: %w", err)
	}
	return nil
}

func (r *postgresRepository) DetachTag(ctx context.Context, sessionID, tagID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM chat_session_tags WHERE session_id = $1 AND tag_id = $2`, sessionID, tagID)
	if err != nil {
		return fmt.Errorf("detaching tag: %w", err)
	}
	return nil
}

func tagsOrEmpty(tags []Tag) []Tag {
	if tags == nil {
		return []Tag{}
	}
	return tags
}

// escapeLike escapes the LIKE wildcards in user input.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
