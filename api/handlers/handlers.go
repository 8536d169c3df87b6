// Package handlers implements the fabric's HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/orchestrator"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/types"
)

// Handlers bundles the API endpoints and their dependencies.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	audit  persistence.AuditSink
	hub    *Hub
	logger *zap.Logger

	healthMu sync.Mutex
	checks   map[string]HealthCheck
}

// New creates the handler set. hub may be nil to disable the event tail.
func New(orch *orchestrator.Orchestrator, audit persistence.AuditSink, hub *Hub, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		orch:   orch,
		audit:  audit,
		hub:    hub,
		logger: logger.With(zap.String("component", "api")),
	}
}

// Routes mounts the endpoints on a fresh mux. registry may be nil to skip
// the metrics endpoint.
func (h *Handlers) Routes(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", h.Submit)
	mux.HandleFunc("GET /v1/audit", h.QueryAudit)
	mux.HandleFunc("GET /v1/sessions/{key}/events", h.TailEvents)
	mux.HandleFunc("GET /healthz", h.Health)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("response encode failed", zap.Error(err))
	}
}

// errorBody is the wire shape of a failed request.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: string(types.ErrInternalError), Message: err.Error()}

	var fe *types.Error
	if errors.As(err, &fe) {
		body.Code = string(fe.Code)
		body.Message = fe.Message
		body.Retryable = fe.Retryable
		if fe.HTTPStatus != 0 {
			status = fe.HTTPStatus
		} else {
			status = defaultStatus(fe.Code)
		}
	}
	h.writeJSON(w, status, body)
}

func defaultStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidMessage, types.ErrInvalidSessionKey:
		return http.StatusBadRequest
	case types.ErrDuplicateRequest, types.ErrDuplicateTurn:
		return http.StatusConflict
	case types.ErrTurnNotFound:
		return http.StatusNotFound
	case types.ErrMutexAcquisitionFailed, types.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
