package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

const auditCollection = "acf_audit_events"

// MongoAuditSink stores FabricEvents in a MongoDB collection.
type MongoAuditSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoAuditSink connects to MongoDB and prepares the audit collection.
func NewMongoAuditSink(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoAuditSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	coll := client.Database(database).Collection(auditCollection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_key", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "logical_turn_id", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "type", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}

	return &MongoAuditSink{
		client:     client,
		collection: coll,
		logger:     logger.With(zap.String("component", "mongo_audit_sink")),
	}, nil
}

// Record implements AuditSink.Record.
func (s *MongoAuditSink) Record(ctx context.Context, event types.FabricEvent) error {
	doc := bson.M{
		"event_id":        event.ID,
		"type":            event.Type,
		"tenant_id":       event.TenantID,
		"agent_id":        event.AgentID,
		"session_key":     event.SessionKey,
		"logical_turn_id": event.LogicalTurnID,
		"trace_id":        event.TraceID,
		"timestamp":       event.Timestamp,
		"payload":         event.Payload,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return types.WrapError(types.ErrStoreUnavailable, "record audit event", err).WithRetryable()
	}
	return nil
}

// Query implements AuditSink.Query.
func (s *MongoAuditSink) Query(ctx context.Context, filter AuditFilter) ([]types.FabricEvent, error) {
	query := bson.M{}
	if filter.TenantID != "" {
		query["tenant_id"] = filter.TenantID
	}
	if filter.SessionKey != "" {
		query["session_key"] = filter.SessionKey
	}
	if filter.TurnID != "" {
		query["logical_turn_id"] = filter.TurnID
	}
	if filter.Type != "" {
		query["type"] = filter.Type
	}
	if !filter.Since.IsZero() {
		query["timestamp"] = bson.M{"$gte": filter.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "query audit events", err).WithRetryable()
	}
	defer cursor.Close(ctx)

	var out []types.FabricEvent
	for cursor.Next(ctx) {
		var doc struct {
			EventID       string         `bson:"event_id"`
			Type          string         `bson:"type"`
			TenantID      string         `bson:"tenant_id"`
			AgentID       string         `bson:"agent_id"`
			SessionKey    string         `bson:"session_key"`
			LogicalTurnID string         `bson:"logical_turn_id"`
			TraceID       string         `bson:"trace_id"`
			Timestamp     time.Time      `bson:"timestamp"`
			Payload       map[string]any `bson:"payload"`
		}
		if err := cursor.Decode(&doc); err != nil {
			s.logger.Warn("undecodable audit document", zap.Error(err))
			continue
		}
		out = append(out, types.FabricEvent{
			ID:            doc.EventID,
			Type:          doc.Type,
			TenantID:      doc.TenantID,
			AgentID:       doc.AgentID,
			SessionKey:    doc.SessionKey,
			LogicalTurnID: doc.LogicalTurnID,
			TraceID:       doc.TraceID,
			Timestamp:     doc.Timestamp,
			Payload:       doc.Payload,
		})
	}
	return out, cursor.Err()
}

// Close implements AuditSink.Close.
func (s *MongoAuditSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ AuditSink = (*MongoAuditSink)(nil)
