package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// HistoryCache keeps the most recent messages of each session in a Redis list.
// Postgres stays the source of truth; a missing key means "load from the
// database".
type HistoryCache struct {
	client redis.Cmdable
	max    int
	ttl    time.Duration
}

// NewHistoryCache creates a cache holding up to maxMessages per session.
func NewHistoryCache(client redis.Cmdable, maxMessages int, ttl time.Duration) *HistoryCache {
	return &HistoryCache{client: client, max: maxMessages, ttl: ttl}
}

func historyKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("chat:history:%s", sessionID.String())
}

// Load returns the cached messages oldest first. ok is false on a miss.
func (c *HistoryCache) Load(ctx context.Context, sessionID uuid.UUID) (msgs []Message, ok bool, err error) {
	key := historyKey(sessionID)

	vals, err := c.client.LRange(ctx, key, int64(-c.max), -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lrange %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}

	msgs = make([]Message, 0, len(vals))
	for _, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue // skip malformed entries
		}
		msgs = append(msgs, m)
	}
	return msgs, true, nil
}

// Store replaces the cached history of a session.
func (c *HistoryCache) Store(ctx context.Context, sessionID uuid.UUID, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	key := historyKey(sessionID)

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling message: %w", err)
		}
		values = append(values, string(data))
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-c.max), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Append adds a message to an already cached history. Uncached sessions are
// left alone so a partial list is never mistaken for the full history.
func (c *HistoryCache) Append(ctx context.Context, m Message) error {
	key := historyKey(m.SessionID)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.RPushX(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-c.max), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Invalidate drops the cached history of a session.
func (c *HistoryCache) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	return c.client.Del(ctx, historyKey(sessionID)).Err()
}
