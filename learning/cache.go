package learning

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/cache"
)

// PredictionCache stores predictions keyed by node and context.
type PredictionCache interface {
	Get(ctx context.Context, nodeID, key string) (PerformancePrediction, bool)
	Set(ctx context.Context, nodeID, key string, p PerformancePrediction, ttl time.Duration)
	InvalidateNode(ctx context.Context, nodeID string)
	InvalidateAll(ctx context.Context)
}

// contextKey buckets system load to tens so nearby loads share an entry.
func contextKey(pctx PredictionContext) string {
	bucket := int(math.Round(clamp(pctx.SystemLoad, 0, 100) / 10))
	return fmt.Sprintf("%s|%s|%d", pctx.RequirementType, pctx.Urgency, bucket)
}

type memoryEntry struct {
	prediction PerformancePrediction
	expires    time.Time
}

// MemoryCache is the default in-process PredictionCache.
type MemoryCache struct {
	mu    sync.RWMutex
	nodes map[string]map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{nodes: make(map[string]map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, nodeID, key string) (PerformancePrediction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.nodes[nodeID][key]
	if !ok || (!e.expires.IsZero() && c.now().After(e.expires)) {
		return PerformancePrediction{}, false
	}
	return clonePrediction(e.prediction), true
}

func (c *MemoryCache) Set(_ context.Context, nodeID, key string, p PerformancePrediction, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.nodes[nodeID]
	if entries == nil {
		entries = make(map[string]memoryEntry)
		c.nodes[nodeID] = entries
	}
	e := memoryEntry{prediction: clonePrediction(p)}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	entries[key] = e
}

func (c *MemoryCache) InvalidateNode(_ context.Context, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
}

func (c *MemoryCache) InvalidateAll(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[string]map[string]memoryEntry)
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entries := range c.nodes {
		n += len(entries)
	}
	return n
}

func clonePrediction(p PerformancePrediction) PerformancePrediction {
	if p.Factors != nil {
		factors := make(map[string]float64, len(p.Factors))
		for k, v := range p.Factors {
			factors[k] = v
		}
		p.Factors = factors
	}
	return p
}

const redisKeyPrefix = "agentcoord:prediction:"

// RedisPredictionCache shares predictions between coordinator replicas.
// Each node keeps an index set of its keys so invalidation needs no SCAN.
// Redis errors degrade to cache misses.
type RedisPredictionCache struct {
	manager *cache.Manager
	logger  *zap.Logger
}

// NewRedisPredictionCache creates a cache on top of a Redis manager.
func NewRedisPredictionCache(manager *cache.Manager, logger *zap.Logger) *RedisPredictionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPredictionCache{
		manager: manager,
		logger:  logger.With(zap.String("component", "prediction_cache")),
	}
}

func (c *RedisPredictionCache) entryKey(nodeID, key string) string {
	return redisKeyPrefix + nodeID + ":" + strings.ReplaceAll(key, "|", ":")
}

func (c *RedisPredictionCache) indexKey(nodeID string) string {
	return redisKeyPrefix + "index:" + nodeID
}

func (c *RedisPredictionCache) nodesKey() string {
	return redisKeyPrefix + "nodes"
}

func (c *RedisPredictionCache) Get(ctx context.Context, nodeID, key string) (PerformancePrediction, bool) {
	var p PerformancePrediction
	if err := c.manager.GetJSON(ctx, c.entryKey(nodeID, key), &p); err != nil {
		if !cache.IsCacheMiss(err) {
			c.logger.Warn("prediction cache read failed", zap.String("node_id", nodeID), zap.Error(err))
		}
		return PerformancePrediction{}, false
	}
	return p, true
}

func (c *RedisPredictionCache) Set(ctx context.Context, nodeID, key string, p PerformancePrediction, ttl time.Duration) {
	entry := c.entryKey(nodeID, key)
	if err := c.manager.SetJSON(ctx, entry, p, ttl); err != nil {
		c.logger.Warn("prediction cache write failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if err := c.manager.AddToSet(ctx, c.indexKey(nodeID), entry); err != nil {
		c.logger.Warn("prediction index update failed", zap.String("node_id", nodeID), zap.Error(err))
	}
	if err := c.manager.AddToSet(ctx, c.nodesKey(), nodeID); err != nil {
		c.logger.Warn("prediction node index update failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (c *RedisPredictionCache) InvalidateNode(ctx context.Context, nodeID string) {
	index := c.indexKey(nodeID)
	keys, err := c.manager.SetMembers(ctx, index)
	if err != nil {
		c.logger.Warn("prediction index read failed", zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if err := c.manager.Delete(ctx, append(keys, index)...); err != nil {
		c.logger.Warn("prediction invalidation failed", zap.String("node_id", nodeID), zap.Error(err))
	}
	if err := c.manager.RemoveFromSet(ctx, c.nodesKey(), nodeID); err != nil {
		c.logger.Warn("prediction node index update failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (c *RedisPredictionCache) InvalidateAll(ctx context.Context) {
	nodes, err := c.manager.SetMembers(ctx, c.nodesKey())
	if err != nil {
		c.logger.Warn("prediction node index read failed", zap.Error(err))
		return
	}
	for _, nodeID := range nodes {
		c.InvalidateNode(ctx, nodeID)
	}
}
