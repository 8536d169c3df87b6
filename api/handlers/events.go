package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/types"
)

// Hub tracks websocket clients per session key. It streams the session's
// fabric events and doubles as the responder delivering committed response
// segments.
type Hub struct {
	router *events.Router
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

// NewHub creates a hub on the given router.
func NewHub(router *events.Router, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		router: router,
		logger: logger.With(zap.String("component", "ws_hub")),
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) attach(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[key] == nil {
		h.conns[key] = make(map[*websocket.Conn]struct{})
	}
	h.conns[key][conn] = struct{}{}
}

func (h *Hub) detach(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[key], conn)
	if len(h.conns[key]) == 0 {
		delete(h.conns, key)
	}
}

func (h *Hub) connsFor(key string) []*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(h.conns[key]))
	for conn := range h.conns[key] {
		out = append(out, conn)
	}
	return out
}

// Deliver implements orchestrator.Responder: committed response segments go
// to every socket tailing the session.
func (h *Hub) Deliver(ctx context.Context, key types.SessionKey, turnID string, segments []string) error {
	payload := map[string]any{
		"type":     "response",
		"turn_id":  turnID,
		"segments": segments,
	}
	for _, conn := range h.connsFor(key.String()) {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := wsjson.Write(writeCtx, conn, payload); err != nil {
			h.logger.Debug("response push failed, dropping socket",
				zap.String("session_key", key.String()),
				zap.Error(err),
			)
		}
		cancel()
	}
	return nil
}

// TailEvents upgrades to a websocket and streams the session's fabric
// events until the client disconnects.
func (h *Handlers) TailEvents(w http.ResponseWriter, r *http.Request) {
	rawKey := r.PathValue("key")
	key, err := types.ParseSessionKey(rawKey)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tenant := tenantFrom(r.Context()); tenant != "" && tenant != key.TenantID {
		h.writeError(w, types.NewError(types.ErrInvalidSessionKey, "tenant mismatch with credentials").
			WithHTTPStatus(http.StatusForbidden))
		return
	}
	if h.hub == nil {
		h.writeError(w, types.NewError(types.ErrInternalError, "event streaming disabled"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	h.hub.attach(key.String(), conn)
	defer h.hub.detach(key.String(), conn)

	ctx := r.Context()
	subID := h.hub.router.Subscribe("*", "ws-tail", func(hctx context.Context, event types.FabricEvent) error {
		if event.SessionKey != key.String() {
			return nil
		}
		writeCtx, cancel := context.WithTimeout(hctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, event)
	})
	defer h.hub.router.Unsubscribe(subID)

	// Hold the socket open; reads only notice disconnection.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
