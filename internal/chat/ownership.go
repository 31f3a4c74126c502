package chat

import "context"

type contextKey string

const sessionCtxKey contextKey = "chat_session"

func SetSessionInContext(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, session)
}

func GetSessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionCtxKey).(*Session)
	return session
}
