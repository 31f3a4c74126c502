package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/governance/audit"
	"github.com/nicole-mentor/nicole/internal/governance/quota"
	"github.com/nicole-mentor/nicole/internal/llm"
	inats "github.com/nicole-mentor/nicole/internal/nats"
)

const (
	titleMaxRunes = 60
	sketchPrompt  = "A black and white pencil sketch drawing of an optometry concept for a student. Include clear labels for key parts. The subject is: %s"
	sketchReply   = "I've generated a sketch for: %s"
	// recordTimeout bounds the bookkeeping done after the model call returns.
	recordTimeout = 10 * time.Second
)

// Limiter is the rate limiter consulted around every billable call.
type Limiter interface {
	Check(ctx context.Context, userID uuid.UUID, now time.Time) (*quota.Decision, error)
	Record(ctx context.Context, e *quota.Event) error
}

// Auditor records audit events. Implementations never fail the caller.
type Auditor interface {
	Audit(ctx context.Context, event inats.AuditEvent)
}

type Service struct {
	repo         Repository
	cache        *HistoryCache
	limiter      Limiter
	gen          llm.Generator
	auditor      Auditor
	systemPrompt string
	maxHistory   int
}

// NewService creates a chat Service. cache may be nil.
func NewService(repo Repository, cache *HistoryCache, limiter Limiter, gen llm.Generator, auditor Auditor, systemPrompt string, maxHistory int) *Service {
	return &Service{
		repo:         repo,
		cache:        cache,
		limiter:      limiter,
		gen:          gen,
		auditor:      auditor,
		systemPrompt: systemPrompt,
		maxHistory:   maxHistory,
	}
}

// Send stores the user's message, asks the model for a reply and stores it.
// The rate limiter is checked first and one usage event is recorded after the
// model call whatever its outcome. Text and image calls are both recorded
// under the chat endpoint. A client disconnect does not abort the call.
// An empty prompt is rejected for image requests too.
func (s *Service) Send(ctx context.Context, ownerID uuid.UUID, req *SendRequest) (*SendResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	decision, err := s.limiter.Check(ctx, ownerID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("checking rate limit: %w", err)
	}
	if !decision.Allowed {
		s.auditor.Audit(ctx, inats.AuditEvent{
			OwnerUserID:  ownerID,
			EventType:    audit.EventQuotaDenied,
			Severity:     audit.SeverityWarn,
			ResourceType: audit.ResourceUsage,
			ResourceID:   string(decision.Reason),
			Details:      decision.Message,
		})
		return nil, decision.Err()
	}

	session, err := s.resolveSession(ctx, ownerID, req.SessionID, prompt)
	if err != nil {
		return nil, err
	}

	if _, err := s.addMessage(ctx, session.ID, prompt, true, MessageTypeText); err != nil {
		return nil, err
	}

	// From here on the work runs to completion even if the client goes away.
	callCtx := context.WithoutCancel(ctx)

	result := &SendResult{SessionID: session.ID, Usage: decision.Snapshot}
	var replyText string
	var tokens int
	replyType := MessageTypeText

	start := time.Now()
	if req.IsImageRequest {
		var img *llm.Image
		img, err = s.gen.GenerateImage(callCtx, fmt.Sprintf(sketchPrompt, prompt))
		if err == nil {
			replyText = fmt.Sprintf(sketchReply, prompt)
			replyType = MessageTypeImage
			result.ImageData = base64.StdEncoding.EncodeToString(img.Data)
			result.ImageMIMEType = img.MIMEType
		}
	} else {
		var turns []llm.Turn
		turns, err = s.turns(callCtx, session.ID)
		if err != nil {
			return nil, err
		}
		var reply *llm.Reply
		reply, err = s.gen.Generate(callCtx, s.systemPrompt, turns)
		if err == nil {
			replyText = reply.Text
			result.Citations = reply.Citations
			tokens = reply.TokenCount
		}
	}
	latency := time.Since(start).Seconds()

	if !llm.Billable(err) {
		slog.Warn("chat: model call not sent", "user_id", ownerID, "session_id", session.ID, "error", err)
		return nil, err
	}

	recordCtx, cancel := context.WithTimeout(callCtx, recordTimeout)
	defer cancel()

	if recErr := s.limiter.Record(recordCtx, &quota.Event{
		UserID:         ownerID,
		Endpoint:       quota.EndpointChat,
		LatencySeconds: &latency,
		StatusCode:     llm.StatusCode(err),
		TokenCount:     tokens,
	}); recErr != nil {
		slog.Error("chat: recording usage", "user_id", ownerID, "session_id", session.ID, "error", recErr)
	}

	if err != nil {
		slog.Error("chat: model call failed", "user_id", ownerID, "session_id", session.ID, "image", req.IsImageRequest, "error", err)
		s.auditor.Audit(recordCtx, inats.AuditEvent{
			OwnerUserID:  ownerID,
			EventType:    audit.EventUpstreamFailure,
			Severity:     audit.SeverityError,
			ResourceType: audit.ResourceChatSession,
			ResourceID:   session.ID.String(),
			Details:      err.Error(),
		})
		return nil, err
	}

	if _, err := s.addMessage(recordCtx, session.ID, replyText, false, replyType); err != nil {
		return nil, err
	}

	result.Text = replyText
	return result, nil
}

// resolveSession returns the caller's session, creating it when the id is new
// or absent.
func (s *Service) resolveSession(ctx context.Context, ownerID uuid.UUID, id *uuid.UUID, prompt string) (*Session, error) {
	if id != nil {
		existing, err := s.repo.GetSession(ctx, *id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.OwnerUserID != ownerID {
				slog.Warn("ownership violation attempt",
					"session_id", existing.ID,
					"session_owner", existing.OwnerUserID,
					"requester", ownerID,
				)
				return nil, ErrSessionForbidden
			}
			return existing, nil
		}
	}

	newID := uuid.New()
	if id != nil {
		newID = *id
	}
	return s.createSession(ctx, newID, ownerID, titleFrom(prompt))
}

func (s *Service) createSession(ctx context.Context, id, ownerID uuid.UUID, title string) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:           id,
		OwnerUserID:  ownerID,
		Title:        title,
		CreatedAt:    now,
		LastActivity: now,
		Tags:         []Tag{},
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.auditor.Audit(ctx, inats.AuditEvent{
		OwnerUserID:  ownerID,
		EventType:    audit.EventSessionCreated,
		Severity:     audit.SeverityInfo,
		ResourceType: audit.ResourceChatSession,
		ResourceID:   session.ID.String(),
		Details:      session.Title,
	})
	return session, nil
}

func (s *Service) addMessage(ctx context.Context, sessionID uuid.UUID, content string, isUser bool, messageType string) (*Message, error) {
	m := &Message{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Content:     content,
		IsUser:      isUser,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	if err := s.repo.TouchSession(ctx, sessionID, m.CreatedAt); err != nil {
		slog.Warn("chat: touching session", "session_id", sessionID, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.Append(ctx, *m); err != nil {
			slog.Warn("chat: appending to history cache", "session_id", sessionID, "error", err)
		}
	}
	return m, nil
}

// turns builds the model conversation from the recent history, oldest first.
func (s *Service) turns(ctx context.Context, sessionID uuid.UUID) ([]llm.Turn, error) {
	msgs, err := s.recentMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleModel
		if m.IsUser {
			role = llm.RoleUser
		}
		turns = append(turns, llm.Turn{Role: role, Text: m.Content})
	}
	return turns, nil
}

func (s *Service) recentMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	if s.cache != nil {
		msgs, ok, err := s.cache.Load(ctx, sessionID)
		if err != nil {
			slog.Warn("chat: loading history cache", "session_id", sessionID, "error", err)
		} else if ok {
			return msgs, nil
		}
	}

	msgs, err := s.repo.ListMessages(ctx, sessionID, s.maxHistory)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Store(ctx, sessionID, msgs); err != nil {
			slog.Warn("chat: storing history cache", "session_id", sessionID, "error", err)
		}
	}
	return msgs, nil
}

// CreateSession starts an empty conversation.
func (s *Service) CreateSession(ctx context.Context, ownerID uuid.UUID, req *CreateSessionRequest) (*Session, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	return s.createSession(ctx, uuid.New(), ownerID, title)
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, ownerID uuid.UUID, params ListSessionsParams) ([]*Session, int64, error) {
	return s.repo.ListSessions(ctx, ownerID, params)
}

func (s *Service) RenameSession(ctx context.Context, session *Session, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if err := s.repo.RenameSession(ctx, session.ID, title); err != nil {
		return nil, err
	}
	updated := *session
	updated.Title = title
	return &updated, nil
}

func (s *Service) DeleteSession(ctx context.Context, session *Session) error {
	if err := s.repo.DeleteSession(ctx, session.ID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, session.ID); err != nil {
			slog.Warn("chat: invalidating history cache", "session_id", session.ID, "error", err)
		}
	}

	s.auditor.Audit(ctx, inats.AuditEvent{
		OwnerUserID:  session.OwnerUserID,
		EventType:    audit.EventSessionDeleted,
		Severity:     audit.SeverityInfo,
		ResourceType: audit.ResourceChatSession,
		ResourceID:   session.ID.String(),
		Details:      session.Title,
	})
	return nil
}

// History returns every message of the session, oldest first.
func (s *Service) History(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	return s.repo.ListMessages(ctx, sessionID, 0)
}

func (s *Service) CreateTag(ctx context.Context, ownerID uuid.UUID, name string) (*Tag, error) {
	t := &Tag{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Name:        strings.TrimSpace(name),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateTag(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListTags(ctx context.Context, ownerID uuid.UUID) ([]Tag, error) {
	return s.repo.ListTags(ctx, ownerID)
}

// ownedTag returns the tag if it belongs to ownerID. Tags of other users are
// reported as not found.
func (s *Service) ownedTag(ctx context.Context, ownerID, tagID uuid.UUID) (*Tag, error) {
	t, err := s.repo.GetTag(ctx, tagID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.OwnerUserID != ownerID {
		return nil, ErrTagNotFound
	}
	return t, nil
}

func (s *Service) DeleteTag(ctx context.Context, ownerID, tagID uuid.UUID) error {
	if _, err := s.ownedTag(ctx, ownerID, tagID); err != nil {
		return err
	}
	return s.repo.DeleteTag(ctx, tagID)
}

func (s *Service) AttachTag(ctx context.Context, session *Session, tagID uuid.UUID) error {
	if _, err := s.ownedTag(ctx, session.OwnerUserID, tagID); err != nil {
		return err
	}
	return s.repo.AttachTag(ctx, session.ID, tagID)
}

func (s *Service) DetachTag(ctx context.Context, session *Session, tagID uuid.UUID) error {
	if _, err := s.ownedTag(ctx, session.OwnerUserID, tagID); err != nil {
		return err
	}
	return s.repo.DetachTag(ctx, session.ID, tagID)
}

// titleFrom derives a session title from the first prompt.
func titleFrom(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(prompt) <= titleMaxRunes {
		return prompt
	}
	runes := []rune(prompt)
	return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
}
