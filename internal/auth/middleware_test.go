package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	svc, _ := setupService(t)
	userID := uuid.New()
	pair, err := svc.GenerateTokens(context.Background(), userID.String(), "a@example.com")
	require.NoError(t, err)

	var gotID uuid.UUID
	var gotOK bool
	h := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + pair.AccessToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.True(t, gotOK)
	assert.Equal(t, userID, gotID)
}

func TestUserID_InvalidClaim(t *testing.T) {
	ctx := WithUserClaims(context.Background(), &AccessClaims{UserID: "not-a-uuid"})
	_, ok := UserID(ctx)
	assert.False(t, ok)

	_, ok = UserID(context.Background())
	assert.False(t, ok)
}
