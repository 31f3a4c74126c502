package quota

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// otherEndpoint is a non-chat tag. It only counts toward the minute window.
const otherEndpoint = "export"

// memRepo is an in-memory Repository. Policy creation mimics the unique
// constraint on user_id: the insert fails when another caller won the race.
type memRepo struct {
	mu       sync.Mutex
	policies map[uuid.UUID]*Policy
	events   []Event

	// inserts counts successful policy inserts.
	inserts int
	// beforeInsert, when set, runs between the read miss and the insert.
	beforeInsert func()
}

func newMemRepo() *memRepo {
	return &memRepo{policies: make(map[uuid.UUID]*Policy)}
}

func (r *memRepo) GetOrCreatePolicy(_ context.Context, userID uuid.UUID, defaults Limits) (*Policy, error) {
	r.mu.Lock()
	p, ok := r.policies[userID]
	hook := r.beforeInsert
	r.mu.Unlock()
	if ok {
		cp := *p
		return &cp, nil
	}

	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[userID]; ok {
		// unique violation, re-read the winner
		cp := *p
		return &cp, nil
	}
	now := time.Now().UTC()
	p = &Policy{ID: uuid.New(), UserID: userID, Limits: defaults, CreatedAt: now, UpdatedAt: now}
	r.policies[userID] = p
	r.inserts++
	cp := *p
	return &cp, nil
}

func (r *memRepo) AppendEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *memRepo) CountEvents(_ context.Context, q WindowQuery) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if q.Matches(e) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListEvents(_ context.Context, userID uuid.UUID, params ListParams) ([]Event, int64, error) {
	params = normalizeListParams(params)
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.UserID != userID {
			continue
		}
		if params.Endpoint != "" && e.Endpoint != params.Endpoint {
			continue
		}
		if params.From != nil && e.CreatedAt.Before(*params.From) {
			continue
		}
		if params.To != nil && e.CreatedAt.After(*params.To) {
			continue
		}
		if params.Before != nil && !newerFirst(params.Before, CursorOf(e)) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(CursorOf(out[i]), CursorOf(out[j])) })

	total := int64(len(out))
	if params.Before != nil {
		params.Page = 1
	}
	start := (params.Page - 1) * params.PageSize
	if start >= len(out) {
		return []Event{}, total, nil
	}
	end := min(start+params.PageSize, len(out))
	return out[start:end], total, nil
}

// newerFirst orders like ORDER BY created_at DESC, id DESC.
func newerFirst(a, b *Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

func (r *memRepo) seed(userID uuid.UUID, endpoint string, at time.Time, n int) {
	for range n {
		_ = r.AppendEvent(context.Background(), &Event{
			ID:         uuid.New(),
			UserID:     userID,
			Endpoint:   endpoint,
			StatusCode: 200,
			CreatedAt:  at,
		})
	}
}
