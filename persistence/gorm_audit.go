package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/types"
)

// AuditEvent is the relational row for one FabricEvent.
type AuditEvent struct {
	ID            uint      `gorm:"primaryKey"`
	EventID       string    `gorm:"size:64;uniqueIndex"`
	Type          string    `gorm:"size:128;index"`
	TenantID      string    `gorm:"size:64;index:idx_audit_tenant_session"`
	AgentID       string    `gorm:"size:64"`
	SessionKey    string    `gorm:"size:256;index:idx_audit_tenant_session"`
	LogicalTurnID string    `gorm:"size:64;index"`
	TraceID       string    `gorm:"size:64"`
	Timestamp     time.Time `gorm:"index"`
	Payload       string    `gorm:"type:text"`
}

// TableName pins the table the migrations create.
func (AuditEvent) TableName() string { return "acf_audit_events" }

// GormAuditSink stores FabricEvents in a relational database.
type GormAuditSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenAuditDB opens the audit database for the configured driver.
func OpenAuditDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported audit database driver: %s", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect audit database: %w", err)
	}
	return db, nil
}

// NewGormAuditSink wraps an open database as an audit sink. AutoMigrate
// keeps dev setups working; production schemas run through the migrate
// subcommand.
func NewGormAuditSink(db *gorm.DB, logger *zap.Logger) (*GormAuditSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&AuditEvent{}); err != nil {
		return nil, fmt.Errorf("audit auto-migrate failed: %w", err)
	}
	return &GormAuditSink{
		db:     db,
		logger: logger.With(zap.String("component", "audit_sink")),
	}, nil
}

// Record implements AuditSink.Record.
func (s *GormAuditSink) Record(ctx context.Context, event types.FabricEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return types.WrapError(types.ErrInternalError, "marshal audit payload", err)
	}
	row := AuditEvent{
		EventID:       event.ID,
		Type:          event.Type,
		TenantID:      event.TenantID,
		AgentID:       event.AgentID,
		SessionKey:    event.SessionKey,
		LogicalTurnID: event.LogicalTurnID,
		TraceID:       event.TraceID,
		Timestamp:     event.Timestamp,
		Payload:       string(payload),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "record audit event", err).WithRetryable()
	}
	return nil
}

// Query implements AuditSink.Query.
func (s *GormAuditSink) Query(ctx context.Context, filter AuditFilter) ([]types.FabricEvent, error) {
	q := s.db.WithContext(ctx).Model(&AuditEvent{}).Order("timestamp asc, id asc")
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.SessionKey != "" {
		q = q.Where("session_key = ?", filter.SessionKey)
	}
	if filter.TurnID != "" {
		q = q.Where("logical_turn_id = ?", filter.TurnID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []AuditEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "query audit events", err).WithRetryable()
	}

	out := make([]types.FabricEvent, 0, len(rows))
	for _, row := range rows {
		event := types.FabricEvent{
			ID:            row.EventID,
			Type:          row.Type,
			TenantID:      row.TenantID,
			AgentID:       row.AgentID,
			SessionKey:    row.SessionKey,
			LogicalTurnID: row.LogicalTurnID,
			TraceID:       row.TraceID,
			Timestamp:     row.Timestamp,
		}
		if row.Payload != "" && row.Payload != "null" {
			if err := json.Unmarshal([]byte(row.Payload), &event.Payload); err != nil {
				s.logger.Warn("undecodable audit payload", zap.String("event_id", row.EventID), zap.Error(err))
			}
		}
		out = append(out, event)
	}
	return out, nil
}

// Close implements AuditSink.Close.
func (s *GormAuditSink) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ AuditSink = (*GormAuditSink)(nil)
