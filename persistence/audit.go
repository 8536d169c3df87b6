package persistence

import (
	"context"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// AuditSink accepts FabricEvents for durable, queryable storage. Only the
// event-router audit subscriber writes to it; no component calls a sink
// directly.
type AuditSink interface {
	Record(ctx context.Context, event types.FabricEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]types.FabricEvent, error)
	Close(ctx context.Context) error
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	TenantID   string
	SessionKey string
	TurnID     string
	Type       string
	Since      time.Time
	Limit      int
}

// NopAuditSink discards events; used when audit is disabled.
type NopAuditSink struct{}

func (NopAuditSink) Record(ctx context.Context, event types.FabricEvent) error { return nil }
func (NopAuditSink) Query(ctx context.Context, filter AuditFilter) ([]types.FabricEvent, error) {
	return nil, nil
}
func (NopAuditSink) Close(ctx context.Context) error { return nil }
