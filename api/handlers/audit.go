package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

const maxAuditPage = 500

// QueryAudit returns the ordered audit trail matching the query parameters:
// tenant_id, session_key, turn_id, type, since (RFC3339) and limit.
func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := persistence.AuditFilter{
		TenantID:   q.Get("tenant_id"),
		SessionKey: q.Get("session_key"),
		TurnID:     q.Get("turn_id"),
		Type:       q.Get("type"),
		Limit:      100,
	}
	if tenant := tenantFrom(r.Context()); tenant != "" {
		filter.TenantID = tenant
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.writeError(w, types.NewError(types.ErrInvalidMessage, "since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > maxAuditPage {
			h.writeError(w, types.NewError(types.ErrInvalidMessage, "limit must be 1..500"))
			return
		}
		filter.Limit = n
	}

	eventsList, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"events": eventsList,
		"count":  len(eventsList),
	})
}
