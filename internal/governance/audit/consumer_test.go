package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/nicole-mentor/nicole/internal/nats"
)

func TestLogFromEvent_ValidResourceID(t *testing.T) {
	sessionID := uuid.New()
	ts := time.Now().UTC()
	event := inats.AuditEvent{
		OwnerUserID:  uuid.New(),
		EventType:    EventSessionCreated,
		Severity:     SeverityInfo,
		ResourceType: ResourceChatSession,
		ResourceID:   sessionID.String(),
		Details:      "Session created from first message",
		Timestamp:    ts,
	}

	log := LogFromEvent(event)

	assert.NotEqual(t, uuid.Nil, log.ID)
	assert.Equal(t, event.OwnerUserID, log.OwnerUserID)
	assert.Equal(t, EventSessionCreated, log.EventType)
	assert.Equal(t, SeverityInfo, log.Severity)
	assert.Equal(t, ResourceChatSession, log.ResourceType)
	assert.Equal(t, ts, log.CreatedAt)
	require.NotNil(t, log.ResourceID)
	assert.Equal(t, sessionID, *log.ResourceID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(log.Details, &details))
	assert.Equal(t, "Session created from first message", details["message"])
}

func TestLogFromEvent_InvalidResourceID(t *testing.T) {
	event := inats.AuditEvent{
		OwnerUserID:  uuid.New(),
		EventType:    EventQuotaDenied,
		Severity:     SeverityWarn,
		ResourceType: ResourceUsage,
		ResourceID:   "minute_limit_reached",
		Details:      "Too many requests.",
		Timestamp:    time.Now().UTC(),
	}

	log := LogFromEvent(event)
	assert.Nil(t, log.ResourceID)
}

func TestLogFromEvent_EmptyResourceID(t *testing.T) {
	event := inats.AuditEvent{
		OwnerUserID: uuid.New(),
		EventType:   EventUpstreamFailure,
		Severity:    SeverityError,
		Details:     "upstream timeout",
		Timestamp:   time.Now().UTC(),
	}

	log := LogFromEvent(event)
	assert.Nil(t, log.ResourceID)
}
