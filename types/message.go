package types

import (
	"time"

	"github.com/google/uuid"
)

// RawMessage is one inbound event from a channel. Immutable once received;
// the fabric never edits message content, it only groups messages into turns.
type RawMessage struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewRawMessage builds a message with a generated id and the current time.
func NewRawMessage(tenantID, agentID, channel, channelUserID, content string) RawMessage {
	return RawMessage{
		ID:            uuid.NewString(),
		Content:       content,
		Channel:       channel,
		ChannelUserID: channelUserID,
		TenantID:      tenantID,
		AgentID:       agentID,
		Timestamp:     time.Now().UTC(),
	}
}

// SessionKey derives the conversation identity this message belongs to.
func (m RawMessage) SessionKey() SessionKey {
	return SessionKey{
		TenantID:   m.TenantID,
		AgentID:    m.AgentID,
		CustomerID: m.ChannelUserID,
		Channel:    m.Channel,
	}
}

// Validate checks the fields required for routing.
func (m RawMessage) Validate() error {
	if m.ID == "" {
		return NewError(ErrInvalidMessage, "message id is empty")
	}
	return m.SessionKey().Validate()
}
