package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nicole-mentor/nicole/internal/governance/quota"
	"github.com/nicole-mentor/nicole/internal/llm"
)

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

var (
	ErrSessionNotFound  = errors.New("chat session not found")
	ErrSessionForbidden = errors.New("chat session belongs to another user")
	ErrTagNotFound      = errors.New("tag not found")
	ErrTagExists        = errors.New("tag already exists")
	ErrEmptyPrompt      = errors.New("prompt is required")
)

// Session is one conversation thread.
type Session struct {
	ID           uuid.UUID `json:"id"`
	OwnerUserID  uuid.UUID `json:"owner_user_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Tags         []Tag     `json:"tags"`
}

// Message is a single turn. IsUser is false for the mentor's replies.
type Message struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	Content     string    `json:"content"`
	IsUser      bool      `json:"is_user"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tag labels sessions. Names are unique per owner.
type Tag struct {
	ID          uuid.UUID `json:"id"`
	OwnerUserID uuid.UUID `json:"owner_user_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

type SendRequest struct {
	Prompt         string     `json:"prompt" validate:"max=8000"`
	SessionID      *uuid.UUID `json:"session_id"`
	IsImageRequest bool       `json:"is_image_request"`
}

// SendResult is the mentor's answer. Usage is the snapshot evaluated before
// the message was accepted.
type SendResult struct {
	Text          string         `json:"text"`
	Citations     []llm.Citation `json:"citations,omitempty"`
	ImageData     string         `json:"image_data,omitempty"`
	ImageMIMEType string         `json:"image_mime_type,omitempty"`
	SessionID     uuid.UUID      `json:"session_id"`
	Usage         quota.Snapshot `json:"usage"`
}

type CreateSessionRequest struct {
	Title string `json:"title" validate:"max=255"`
}

type UpdateSessionRequest struct {
	Title string `json:"title" validate:"required,min=1,max=255"`
}

type CreateTagRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

type ListSessionsParams struct {
	Query    string
	TagID    *uuid.UUID
	Page     int
	PageSize int
}

func DefaultListParams() ListSessionsParams {
	return ListSessionsParams{
		Page:     1,
		PageSize: 20,
	}
}
