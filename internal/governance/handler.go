package governance

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/api"
	"github.com/nicole-mentor/nicole/internal/auth"
	"github.com/nicole-mentor/nicole/internal/chat"
	"github.com/nicole-mentor/nicole/internal/governance/audit"
	"github.com/nicole-mentor/nicole/internal/governance/quota"
	inats "github.com/nicole-mentor/nicole/internal/nats"
)

// UsageService is the read side of the rate limiter.
type UsageService interface {
	Stats(ctx context.Context, userID uuid.UUID, now time.Time) (*quota.Stats, error)
	Snapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*quota.Policy, quota.Snapshot, error)
	ListEvents(ctx context.Context, userID uuid.UUID, params quota.ListParams) ([]quota.Event, int64, error)
	ExportEvents(ctx context.Context, userID uuid.UUID, params quota.ListParams, limit int) ([]quota.Event, bool, error)
}

// AuditLister reads audit logs.
type AuditLister interface {
	ListByOwner(ctx context.Context, ownerUserID uuid.UUID, params audit.ListParams) ([]audit.AuditLog, int64, error)
	ListByResource(ctx context.Context, ownerUserID, resourceID uuid.UUID, params audit.ListParams) ([]audit.AuditLog, int64, error)
}

// Auditor records audit events.
type Auditor interface {
	Audit(ctx context.Context, event inats.AuditEvent)
}

// Handler provides HTTP handlers for usage and governance endpoints.
type Handler struct {
	usage   UsageService
	audits  AuditLister
	auditor Auditor
	now     func() time.Time
}

// NewHandler creates a new governance Handler.
func NewHandler(usage UsageService, audits AuditLister, auditor Auditor) *Handler {
	return &Handler{
		usage:   usage,
		audits:  audits,
		auditor: auditor,
		now:     time.Now,
	}
}

// UsageStats returns the caller's current usage against each limit.
func (h *Handler) UsageStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	stats, err := h.usage.Stats(r.Context(), userID, h.now())
	if err != nil {
		slog.Error("computing usage stats", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, stats)
}

// UsageCheck previews the decision a new message would get. Nothing is
// recorded.
func (h *Handler) UsageCheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	now := h.now()
	_, snap, err := h.usage.Snapshot(r.Context(), userID, now)
	if err != nil {
		slog.Error("checking usage", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, quota.Decide(snap, now))
}

// ListUsageEvents returns a page of the caller's usage log, newest first.
func (h *Handler) ListUsageEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params, err := parseUsageParams(r)
	if err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	events, total, err := h.usage.ListEvents(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing usage events", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, events, total, params.Page, params.PageSize)
}

// ExportUsage downloads the caller's usage log as JSON or XLSX.
func (h *Handler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatXLSX {
		api.HandleError(w, api.NewBadRequestError("format must be json or xlsx"))
		return
	}

	params, err := parseUsageParams(r)
	if err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}

	events, truncated, err := h.usage.ExportEvents(r.Context(), userID, params, maxExportEvents)
	if err != nil {
		slog.Error("exporting usage events", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	now := h.now().UTC()
	var buf bytes.Buffer
	contentType := "application/json"
	if format == FormatXLSX {
		contentType = xlsxMIMEType
		err = writeUsageXLSX(&buf, events)
	} else {
		err = writeUsageJSON(&buf, UsageExport{
			UserID:      userID.String(),
			GeneratedAt: now,
			Truncated:   truncated,
			Events:      events,
		})
	}
	if err != nil {
		slog.Error("encoding usage export", "user_id", userID, "format", format, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.auditor.Audit(r.Context(), inats.AuditEvent{
		OwnerUserID:  userID,
		EventType:    audit.EventUsageExported,
		Severity:     audit.SeverityInfo,
		ResourceType: audit.ResourceUsage,
		Details:      fmt.Sprintf("%d events as %s", len(events), format),
	})

	filename := fmt.Sprintf("usage-%s.%s", now.Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if truncated {
		w.Header().Set("X-Export-Truncated", "true")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("writing usage export", "user_id", userID, "error", err)
	}
}

// ListAuditLogs returns paginated audit logs for the authenticated user.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseAuditParams(r)

	logs, total, err := h.audits.ListByOwner(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing audit logs", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

// ListSessionAuditLogs returns paginated audit logs for one chat session.
// Expects the session to be set in context by the chat OwnershipMiddleware.
func (h *Handler) ListSessionAuditLogs(w http.ResponseWriter, r *http.Request) {
	session := chat.GetSessionFromContext(r.Context())
	if session == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	params := parseAuditParams(r)

	logs, total, err := h.audits.ListByResource(r.Context(), session.OwnerUserID, session.ID, params)
	if err != nil {
		slog.Error("listing session audit logs", "session_id", session.ID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseUsageParams(r *http.Request) (quota.ListParams, error) {
	q := r.URL.Query()
	params := quota.DefaultListParams()
	params.Endpoint = q.Get("endpoint")

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
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return params, fmt.Errorf("from must be an RFC 3339 timestamp")
		}
		params.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return params, fmt.Errorf("to must be an RFC 3339 timestamp")
		}
		params.To = &t
	}
	if params.From != nil && params.To != nil && params.From.After(*params.To) {
		return params, fmt.Errorf("from must not be after to")
	}
	return params, nil
}

func parseAuditParams(r *http.Request) audit.ListParams {
	params := audit.DefaultListParams()

	if et := r.URL.Query().Get("event_type"); et != "" {
		params.EventType = et
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		params.Severity = sev
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
