//go:build integration

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicole-mentor/nicole/internal/database/dbtest"
)

func newSession(ownerID uuid.UUID, title string, at time.Time) *Session {
	return &Session{ID: uuid.New(), OwnerUserID: ownerID, Title: title, CreatedAt: at, LastActivity: at}
}

func TestPostgresRepository_Sessions(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	alice := dbtest.CreateUser(t, pool, "alice@example.com")
	bob := dbtest.CreateUser(t, pool, "bob@example.com")
	base := time.Now().UTC().Truncate(time.Millisecond)

	older := newSession(alice, "Retinoscopy 101", base.Add(-time.Hour))
	newer := newSession(alice, "Contact lens fitting", base)
	other := newSession(bob, "Retinoscopy for Bob", base)
	for _, s := range []*Session{older, newer, other} {
		require.NoError(t, repo.CreateSession(ctx, s))
	}

	t.Run("lists only the owner's sessions by recent activity", func(t *testing.T) {
		list, total, err := repo.ListSessions(ctx, alice, DefaultListParams())
		require.NoError(t, err)
		assert.EqualValues(t, 2, total)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)
		assert.NotNil(t, list[0].Tags)
	})

	t.Run("search matches titles and message text", func(t *testing.T) {
		require.NoError(t, repo.AddMessage(ctx, &Message{
			ID: uuid.New(), SessionID: newer.ID, Content: "What about 100% silicone hydrogel?",
			IsUser: true, MessageType: MessageTypeText, CreatedAt: base,
		}))

		params := DefaultListParams()
		params.Query = "retinoscopy"
		list, total, err := repo.ListSessions(ctx, alice, params)
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, list, 1)
		assert.Equal(t, older.ID, list[0].ID)

		params.Query = "100%"
		list, _, err = repo.ListSessions(ctx, alice, params)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, newer.ID, list[0].ID)
	})

	t.Run("touch never moves activity backwards", func(t *testing.T) {
		require.NoError(t, repo.TouchSession(ctx, newer.ID, base.Add(-2*time.Hour)))
		got, err := repo.GetSession(ctx, newer.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivity.Equal(base))
	})

	t.Run("rename and delete missing session", func(t *testing.T) {
		assert.ErrorIs(t, repo.RenameSession(ctx, uuid.New(), "x"), ErrSessionNotFound)
		assert.ErrorIs(t, repo.DeleteSession(ctx, uuid.New()), ErrSessionNotFound)

		got, err := repo.GetSession(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestPostgresRepository_Messages(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	owner := dbtest.CreateUser(t, pool, "student@example.com")
	base := time.Now().UTC().Truncate(time.Millisecond)
	session := newSession(owner, "History", base)
	require.NoError(t, repo.CreateSession(ctx, session))

	for i := range 5 {
		require.NoError(t, repo.AddMessage(ctx, &Message{
			ID:          uuid.New(),
			SessionID:   session.ID,
			Content:     string(rune('a' + i)),
			IsUser:      i%2 == 0,
			MessageType: MessageTypeText,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := repo.ListMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].Content)
	assert.Equal(t, "e", all[4].Content)

	recent, err := repo.ListMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Content)
	assert.Equal(t, "e", recent[1].Content)

	require.NoError(t, repo.DeleteSession(ctx, session.ID))
	all, err = repo.ListMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPostgresRepository_Tags(t *testing.T) {
	pool := dbtest.NewPool(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	alice := dbtest.CreateUser(t, pool, "alice@example.com")
	bob := dbtest.CreateUser(t, pool, "bob@example.com")
	now := time.Now().UTC()

	tag := &Tag{ID: uuid.New(), OwnerUserID: alice, Name: "exams", CreatedAt: now}
	require.NoError(t, repo.CreateTag(ctx, tag))

	err := repo.CreateTag(ctx, &Tag{ID: uuid.New(), OwnerUserID: alice, Name: "exams", CreatedAt: now})
	assert.ErrorIs(t, err, ErrTagExists)

	// Names are unique per owner only.
	require.NoError(t, repo.CreateTag(ctx, &Tag{ID: uuid.New(), OwnerUserID: bob, Name: "exams", CreatedAt: now}))

	session := newSession(alice, "Glaucoma", now)
	require.NoError(t, repo.CreateSession(ctx, session))
	require.NoError(t, repo.AttachTag(ctx, session.ID, tag.ID))
	require.NoError(t, repo.AttachTag(ctx, session.ID, tag.ID))

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, "exams", got.Tags[0].Name)

	params := DefaultListParams()
	params.TagID = &tag.ID
	_, total, err := repo.ListSessions(ctx, alice, params)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	require.NoError(t, repo.DetachTag(ctx, session.ID, tag.ID))
	_, total, err = repo.ListSessions(ctx, alice, params)
	require.NoError(t, err)
	assert.Zero(t, total)

	tags, err := repo.ListTags(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}
