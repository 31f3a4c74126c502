package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/api"
	"github.com/nicole-mentor/nicole/internal/auth"
	"github.com/nicole-mentor/nicole/internal/governance/quota"
	"github.com/nicole-mentor/nicole/internal/llm"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// Send handles POST /chat. Quota rejections carry the usage snapshot and a
// Retry-After header.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	result, err := h.svc.Send(r.Context(), userID, &req)
	if err != nil {
		writeSendError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, result)
}

func writeSendError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		d := exceeded.Decision
		if secs := int(d.RetryAfter.Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		appErr := api.NewTooManyRequestsError(d.Message)
		api.JSONErrorWithData(w, appErr.Code, appErr.Message, d.Snapshot)
	case errors.Is(err, ErrEmptyPrompt):
		api.HandleError(w, api.NewBadRequestError(err.Error()))
	case errors.Is(err, ErrSessionForbidden):
		api.HandleError(w, api.ErrOwnershipViolation)
	case errors.Is(err, llm.ErrThrottled):
		api.HandleError(w, api.ErrServiceBusy)
	case errors.Is(err, llm.ErrTimeout):
		api.HandleError(w, api.ErrUpstreamTimeout)
	case errors.Is(err, llm.ErrAuth):
		api.HandleError(w, api.ErrServiceMisconfigured)
	case errors.Is(err, llm.ErrStatus):
		api.HandleError(w, api.ErrUpstreamUnavailable)
	case errors.Is(err, llm.ErrMalformed):
		api.HandleError(w, api.ErrInternalServer)
	default:
		slog.Error("sending chat message", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.HandleError(w, api.ErrBadRequest)
			return
		}
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	session, err := h.svc.CreateSession(r.Context(), userID, &req)
	if err != nil {
		slog.Error("creating chat session", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, session)
}

// ListSessions supports ?q= (title or message text), ?tag=, ?page= and
// ?page_size=.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	q := r.URL.Query()
	params := DefaultListParams()
	params.Query = q.Get("q")
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if t := q.Get("tag"); t != "" {
		tagID, err := uuid.Parse(t)
		if err != nil {
			api.HandleError(w, api.NewBadRequestError("invalid tag ID"))
			return
		}
		params.TagID = &tagID
	}

	sessions, totalCount, err := h.svc.ListSessions(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing chat sessions", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, sessions, totalCount, params.Page, params.PageSize)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	api.JSON(w, http.StatusOK, session)
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	updated, err := h.svc.RenameSession(r.Context(), session, req.Title)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.HandleError(w, api.NewNotFoundError("chat session not found"))
			return
		}
		slog.Error("renaming chat session", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	if err := h.svc.DeleteSession(r.Context(), session); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.HandleError(w, api.NewNotFoundError("chat session not found"))
			return
		}
		slog.Error("deleting chat session", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "chat session deleted successfully")
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	session := GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	messages, err := h.svc.History(r.Context(), session.ID)
	if err != nil {
		slog.Error("loading chat history", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, messages)
}

func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	tags, err := h.svc.ListTags(r.Context(), userID)
	if err != nil {
		slog.Error("listing tags", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, tags)
}

func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CreateTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tag, err := h.svc.CreateTag(r.Context(), userID, req.Name)
	if err != nil {
		writeTagError(w, "creating tag", err)
		return
	}

	api.JSON(w, http.StatusCreated, tag)
}

func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	tagID, err := uuid.Parse(chi.URLParam(r, "tagID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid tag ID"))
		return
	}

	if err := h.svc.DeleteTag(r.Context(), userID, tagID); err != nil {
		writeTagError(w, "deleting tag", err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "tag deleted successfully")
}

func (h *Handler) AttachTag(w http.ResponseWriter, r *http.Request) {
	h.changeTag(w, r, "tag attached", h.svc.AttachTag)
}

func (h *Handler) DetachTag(w http.ResponseWriter, r *http.Request) {
	h.changeTag(w, r, "tag detached", h.svc.DetachTag)
}

func (h *Handler) changeTag(w http.ResponseWriter, r *http.Request, done string,
	apply func(ctx context.Context, session *Session, tagID uuid.UUID) error,
) {
	session := GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	tagID, err := uuid.Parse(chi.URLParam(r, "tagID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid tag ID"))
		return
	}

	if err := apply(r.Context(), session, tagID); err != nil {
		writeTagError(w, done, err)
		return
	}

	api.JSONMessage(w, http.StatusOK, done)
}

func writeTagError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrTagExists):
		api.HandleError(w, api.NewConflictError(err.Error()))
	case errors.Is(err, ErrTagNotFound):
		api.HandleError(w, api.NewNotFoundError(err.Error()))
	default:
		slog.Error(op, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}

// OwnershipMiddleware loads the session named by {sessionID} and rejects
// requests from anyone but its owner.
func (h *Handler) OwnershipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserID(r.Context())
		if !ok {
			api.HandleError(w, api.ErrUnauthorized)
			return
		}

		sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
		if err != nil {
			api.HandleError(w, api.NewBadRequestError("invalid session ID"))
			return
		}

		session, err := h.svc.GetSession(r.Context(), sessionID)
		if err != nil {
			slog.Error("fetching chat session for ownership check", "error", err)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		if session == nil {
			api.HandleError(w, api.NewNotFoundError("chat session not found"))
			return
		}

		if session.OwnerUserID != userID {
			slog.Warn("ownership violation attempt",
				"session_id", sessionID,
				"session_owner", session.OwnerUserID,
				"requester", userID,
				"path", r.URL.Path,
				"method", r.Method,
			)
			api.HandleError(w, api.ErrOwnershipViolation)
			return
		}

		ctx := SetSessionInContext(r.Context(), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
