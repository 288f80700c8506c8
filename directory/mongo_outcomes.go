package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/types"
)

var _ learning.OutcomeStore = (*MongoOutcomeStore)(nil)

// MongoConfig locates the outcome collection.
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// DefaultMongoConfig returns the settings used for unset fields.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "agentcoord",
		Collection:     "performance_outcomes",
		ConnectTimeout: 5 * time.Second,
	}
}

func (c MongoConfig) withDefaults() MongoConfig {
	d := DefaultMongoConfig()
	if c.URI == "" {
		c.URI = d.URI
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// MongoOutcomeStore keeps outcome history in a MongoDB collection, one
// document per outcome keyed by outcome id.
type MongoOutcomeStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoOutcomeStore connects, verifies the server is reachable and
// ensures the recorded_at index exists.
func NewMongoOutcomeStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoOutcomeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(pingCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recorded_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "node_id", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create outcome indexes: %w", err)
	}

	logger.Info("mongodb outcome store ready",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))
	return &MongoOutcomeStore{
		client: client,
		coll:   coll,
		logger: logger.With(zap.String("component", "outcome_store")),
	}, nil
}

// SaveOutcome inserts one outcome. Re-saving an id already stored is a no-op.
func (s *MongoOutcomeStore) SaveOutcome(ctx context.Context, outcome *learning.PerformanceOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	if _, err := s.coll.InsertOne(ctx, newOutcomeDocument(outcome)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Debug("outcome already stored", zap.String("outcome_id", outcome.ID))
			return nil
		}
		return fmt.Errorf("save outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// RecentOutcomes returns up to limit of the newest outcomes, oldest first.
func (s *MongoOutcomeStore) RecentOutcomes(ctx context.Context, limit int) ([]*learning.PerformanceOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "recorded_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}

	var docs []outcomeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}

	slices.Reverse(docs)
	out := make([]*learning.PerformanceOutcome, len(docs))
	for i := range docs {
		out[i] = docs[i].toOutcome()
	}
	s.logger.Debug("outcomes loaded", zap.Int("count", len(out)), zap.Int("limit", limit))
	return out, nil
}

// Ping reports whether the server is reachable.
func (s *MongoOutcomeStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return types.NewError(types.ErrServiceUnavailable, "mongodb outcome store is not connected")
	}
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoOutcomeStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	err := s.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}

type metricsDocument struct {
	ResponseTimeNanos int64   `bson:"response_time_ns"`
	Reliability       float64 `bson:"reliability"`
	SuccessRate       float64 `bson:"success_rate"`
}

type outcomeDocument struct {
	ID              string          `bson:"_id"`
	SelectionID     string          `bson:"selection_id"`
	NodeID          string          `bson:"node_id"`
	Capabilities    []string        `bson:"capabilities,omitempty"`
	Expected        metricsDocument `bson:"expected"`
	Actual          metricsDocument `bson:"actual"`
	RequirementType string          `bson:"requirement_type,omitempty"`
	Urgency         string          `bson:"urgency,omitempty"`
	SystemLoad      float64         `bson:"system_load"`
	RecordedAt      time.Time       `bson:"recorded_at"`
}

func newMetricsDocument(m learning.PerformanceMetrics) metricsDocument {
	return metricsDocument{
		ResponseTimeNanos: int64(m.ResponseTime),
		Reliability:       m.Reliability,
		SuccessRate:       m.SuccessRate,
	}
}

func (d metricsDocument) toMetrics() learning.PerformanceMetrics {
	return learning.PerformanceMetrics{
		ResponseTime: time.Duration(d.ResponseTimeNanos),
		Reliability:  d.Reliability,
		SuccessRate:  d.SuccessRate,
	}
}

// BSON datetimes keep millisecond precision, so RecordedAt is truncated on
// the way in to make the round trip exact.
func newOutcomeDocument(o *learning.PerformanceOutcome) outcomeDocument {
	return outcomeDocument{
		ID:              o.ID,
		SelectionID:     o.SelectionID,
		NodeID:          o.NodeID,
		Capabilities:    o.Capabilities,
		Expected:        newMetricsDocument(o.Expected),
		Actual:          newMetricsDocument(o.Actual),
		RequirementType: string(o.Context.RequirementType),
		Urgency:         string(o.Context.Urgency),
		SystemLoad:      o.Context.SystemLoad,
		RecordedAt:      o.RecordedAt.UTC().Truncate(time.Millisecond),
	}
}

func (d *outcomeDocument) toOutcome() *learning.PerformanceOutcome {
	return &learning.PerformanceOutcome{
		ID:           d.ID,
		SelectionID:  d.SelectionID,
		NodeID:       d.NodeID,
		Capabilities: d.Capabilities,
		Expected:     d.Expected.toMetrics(),
		Actual:       d.Actual.toMetrics(),
		Context: learning.OutcomeContext{
			RequirementType: capability.RequirementType(d.RequirementType),
			Urgency:         capability.Urgency(d.Urgency),
			SystemLoad:      d.SystemLoad,
		},
		RecordedAt: d.RecordedAt.UTC(),
	}
}
