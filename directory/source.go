package directory

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/internal/database"
	"github.com/BaSui01/agentcoord/types"
)

const writeRetries = 3

var _ capability.DirectorySource = (*GormSource)(nil)

// GormSource serves the node directory from the nodes and node_capabilities tables.
type GormSource struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// NewGormSource creates a directory source backed by pool.
func NewGormSource(pool *database.PoolManager, logger *zap.Logger) *GormSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormSource{pool: pool, logger: logger.With(zap.String("component", "directory_source"))}
}

// FetchAll returns every node with its capabilities, ordered by node id.
func (s *GormSource) FetchAll(ctx context.Context) ([]*capability.NodeCapabilities, error) {
	var records []nodeRecord
	err := s.pool.DB().WithContext(ctx).
		Preload("Capabilities").
		Order("node_id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("fetch directory: %w", err)
	}

	nodes := make([]*capability.NodeCapabilities, len(records))
	for i := range records {
		nodes[i] = records[i].toNode()
	}
	s.logger.Debug("directory fetched", zap.Int("nodes", len(nodes)))
	return nodes, nil
}

// Upsert stores a node, replacing its capability set.
func (s *GormSource) Upsert(ctx context.Context, n *capability.NodeCapabilities) error {
	if err := n.Validate(); err != nil {
		return err
	}

	rec, caps := fromNode(n)
	err := s.pool.Transact(ctx, writeRetries, func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"node_type", "location", "labels", "trust_score", "load_factor", "updated_at"}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}
		if err := tx.Where("node_id = ?", n.NodeID).Delete(&capabilityRecord{}).Error; err != nil {
			return err
		}
		if len(caps) == 0 {
			return nil
		}
		return tx.Create(&caps).Error
	})
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.NodeID, err)
	}

	s.logger.Debug("node stored", zap.String("node_id", n.NodeID), zap.Int("capabilities", len(caps)))
	return nil
}

// Delete removes a node and its capabilities. Deleting an unknown node is a NODE_NOT_FOUND error.
func (s *GormSource) Delete(ctx context.Context, nodeID string) error {
	var removed int64
	err := s.pool.Transact(ctx, writeRetries, func(tx *gorm.DB) error {
		if err := tx.Where("node_id = ?", nodeID).Delete(&capabilityRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("node_id = ?", nodeID).Delete(&nodeRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	if removed == 0 {
		return types.NewError(types.ErrNodeNotFound, fmt.Sprintf("node %s not found", nodeID))
	}
	return nil
}
