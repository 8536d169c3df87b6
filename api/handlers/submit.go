package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// submitRequest is the inbound message payload.
type submitRequest struct {
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	Content       string         `json:"content"`
	MessageID     string         `json:"message_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Submit accepts one customer message. The Idempotency-Key header opts into
// request-level dedup; retrying with the same key is safe.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, types.NewError(types.ErrInvalidMessage, "malformed request body"))
		return
	}

	if tenant := tenantFrom(r.Context()); tenant != "" && tenant != req.TenantID {
		h.writeError(w, types.NewError(types.ErrInvalidMessage, "tenant mismatch with credentials").
			WithHTTPStatus(http.StatusForbidden))
		return
	}

	msg := types.RawMessage{
		ID:            req.MessageID,
		Content:       req.Content,
		Channel:       req.Channel,
		ChannelUserID: req.ChannelUserID,
		TenantID:      req.TenantID,
		AgentID:       req.AgentID,
		Timestamp:     time.Now().UTC(),
		Metadata:      req.Metadata,
	}
	if msg.ID == "" {
		msg = types.NewRawMessage(req.TenantID, req.AgentID, req.Channel, req.ChannelUserID, req.Content)
		msg.Metadata = req.Metadata
	}

	result, err := h.orch.Submit(r.Context(), msg, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Debug("message submitted",
		zap.String("session_key", msg.SessionKey().String()),
		zap.String("outcome", result.Outcome),
		zap.String("turn_id", result.TurnID),
	)

	status := http.StatusOK
	if result.Outcome != "completed" {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}
