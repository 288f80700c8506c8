package directory

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/database"
	"github.com/BaSui01/agentcoord/learning"
)

var _ learning.OutcomeStore = (*GormOutcomeStore)(nil)

// GormOutcomeStore persists performance outcomes in the performance_outcomes table.
type GormOutcomeStore struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormOutcomeStore creates an outcome store backed by pool.
func NewGormOutcomeStore(pool *database.PoolManager, logger *zap.Logger) *GormOutcomeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormOutcomeStore{pool: pool, logger: logger.With(zap.String("component", "outcome_store"))}
}

// SaveOutcome inserts one outcome.
func (s *GormOutcomeStore) SaveOutcome(ctx context.Context, outcome *learning.PerformanceOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	rec := fromOutcome(outcome)
	if err := s.pool.DB().WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save outcome %s: %w", outcome.ID, err)
	}
	return nil
}

// RecentOutcomes returns up to limit of the newest outcomes, oldest first.
func (s *GormOutcomeStore) RecentOutcomes(ctx context.Context, limit int) ([]*learning.PerformanceOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []outcomeRecord
	err := s.pool.DB().WithContext(ctx).
		Order("recorded_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}

	slices.Reverse(records)
	out := make([]*learning.PerformanceOutcome, len(records))
	for i := range records {
		out[i] = records[i].toOutcome()
	}
	s.logger.Debug("outcomes loaded", zap.Int("count", len(out)), zap.Int("limit", limit))
	return out, nil
}
