package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mgr := NewJWTManager("access-secret-32-chars-long!!!!!", "refresh-secret-32-chars-long!!!!", 15*time.Minute, time.Hour)
	return NewService(mgr, client), mr
}

func TestService_RefreshRotatesAndKeepsEmail(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokens(ctx, "user-1", "student@example.com")
	require.NoError(t, err)

	next, err := svc.RefreshTokens(ctx, pair.RefreshToken)
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "student@example.com", claims.Email)

	_, err = svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
}

func TestService_RefreshExpiresWithTTL(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokens(ctx, "user-1", "student@example.com")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, err = svc.RefreshTokens(ctx, pair.RefreshToken)
	assert.Error(t, err)
}

func TestService_LogoutRevokesAllRefreshTokens(t *testing.T) {
	svc, mr := setupService(t)
	ctx := context.Background()

	first, err := svc.GenerateTokens(ctx, "user-1", "a@example.com")
	require.NoError(t, err)
	second, err := svc.GenerateTokens(ctx, "user-1", "a@example.com")
	require.NoError(t, err)
	_, err = svc.GenerateTokens(ctx, "user-2", "b@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, "user-1"))

	_, err = svc.RefreshTokens(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)
	_, err = svc.RefreshTokens(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "refresh:user-2:")
}

func TestService_RejectsAccessTokenAsRefresh(t *testing.T) {
	svc, _ := setupService(t)

	pair, err := svc.GenerateTokens(context.Background(), "user-1", "a@example.com")
	require.NoError(t, err)

	_, err = svc.RefreshTokens(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}
