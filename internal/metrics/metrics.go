// Package metrics exposes the fabric's Prometheus instrumentation.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/types"
)

// Metrics holds the fabric's collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsStarted    *prometheus.CounterVec
	TurnsCompleted  *prometheus.CounterVec
	TurnsSuperseded *prometheus.CounterVec
	TurnsQueued     *prometheus.CounterVec
	WorkflowsFailed *prometheus.CounterVec
	ToolExecutions  *prometheus.CounterVec
	MessagesJoined  *prometheus.CounterVec
	Escalations     prometheus.Counter

	TurnMessages  prometheus.Histogram
	ActiveTurns   prometheus.Gauge
	EventsHandled *prometheus.CounterVec
}

// New builds the collectors on a fresh registry, with the standard Go and
// process collectors alongside.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "turns_started_total",
			Help: "Logical turns started, by tenant.",
		}, []string{"tenant"}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "turns_completed_total",
			Help: "Logical turns committed, by tenant.",
		}, []string{"tenant"}),
		TurnsSuperseded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "turns_superseded_total",
			Help: "Logical turns superseded by newer input, by tenant.",
		}, []string{"tenant"}),
		TurnsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "turns_queued_total",
			Help: "Successor turns queued behind a committed turn, by tenant.",
		}, []string{"tenant"}),
		WorkflowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "workflows_failed_total",
			Help: "Turn workflows that ended in failure, by error code.",
		}, []string{"code"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "tool_executions_total",
			Help: "Tool invocations through the commit gate, by status.",
		}, []string{"status"}),
		MessagesJoined: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "messages_total",
			Help: "Inbound messages, by how they attached to a turn.",
		}, []string{"disposition"}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "acf", Name: "escalations_total",
			Help: "Escalation events requiring operator attention.",
		}),
		TurnMessages: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "acf", Name: "turn_message_count",
			Help:    "Messages accumulated into one turn.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "acf", Name: "active_turns",
			Help: "Turns currently between start and a terminal state.",
		}),
		EventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acf", Name: "events_total",
			Help: "Fabric events observed on the router, by type.",
		}, []string{"type"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Register subscribes the collectors to the event router; every metric is
// derived from the event stream rather than instrumented call sites.
func (m *Metrics) Register(router *events.Router) string {
	return router.Subscribe("*", "metrics", func(ctx context.Context, event types.FabricEvent) error {
		m.EventsHandled.WithLabelValues(event.Type).Inc()

		switch event.Type {
		case types.EventTurnStarted:
			m.TurnsStarted.WithLabelValues(event.TenantID).Inc()
			m.ActiveTurns.Inc()
		case types.EventTurnCompleted:
			m.TurnsCompleted.WithLabelValues(event.TenantID).Inc()
			m.ActiveTurns.Dec()
		case types.EventTurnSuperseded:
			m.TurnsSuperseded.WithLabelValues(event.TenantID).Inc()
			m.ActiveTurns.Dec()
		case types.EventTurnQueued:
			m.TurnsQueued.WithLabelValues(event.TenantID).Inc()
		case types.EventTurnAccumulated:
			if n, ok := event.Payload["message_count"].(int); ok {
				m.TurnMessages.Observe(float64(n))
			} else if f, ok := event.Payload["message_count"].(float64); ok {
				m.TurnMessages.Observe(f)
			}
		case types.EventMessageAppended:
			m.MessagesJoined.WithLabelValues("appended").Inc()
		case types.EventMessagePending:
			m.MessagesJoined.WithLabelValues("pending").Inc()
		case types.EventToolStarted, types.EventToolExecuted, types.EventToolFailed:
			if status, ok := event.Payload["status"].(string); ok {
				m.ToolExecutions.WithLabelValues(status).Inc()
			}
		case types.EventWorkflowFailed:
			if code, ok := event.Payload["code"].(string); ok {
				m.WorkflowsFailed.WithLabelValues(code).Inc()
			}
		case types.EventEscalation:
			m.Escalations.Inc()
		}
		return nil
	})
}
