package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/api"
	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/config"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/directory"
	"github.com/BaSui01/agentcoord/internal/cache"
	"github.com/BaSui01/agentcoord/internal/database"
	"github.com/BaSui01/agentcoord/internal/metrics"
	"github.com/BaSui01/agentcoord/internal/migration"
	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/internal/server"
	"github.com/BaSui01/agentcoord/internal/telemetry"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/selection"
	"github.com/BaSui01/agentcoord/transport/wsvote"
)

// =============================================================================
// 🖥️ 应用装配
// =============================================================================

// app 持有协调服务的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	db        *database.PoolManager
	cache     *cache.Manager
	mongo     *directory.MongoOutcomeStore
	voters    *wsvote.Client
	voterPool *pool.Pool

	registry *capability.Registry
	selector *selection.Selector
	engine   *consensus.Engine
	learning *learning.Subsystem

	health  *api.HealthHandler
	handler http.Handler
}

// newApp 按配置装配组件；可选依赖（数据库、Redis、遥测）不可用时降级运行
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	a.telemetry = providers
	a.collector = metrics.NewCollector("agentcoord", nil, logger)

	if err := a.openDatabase(); err != nil {
		a.close()
		return nil, err
	}
	a.openCache()

	engineCfg, err := engineConfig(cfg.Consensus)
	if err != nil {
		a.close()
		return nil, err
	}
	endpoints, err := cfg.Voting.VoterEndpoints()
	if err != nil {
		a.close()
		return nil, err
	}
	a.voters = wsvote.NewClient(endpoints, &wsvote.ClientConfig{
		DialTimeout: cfg.Voting.DialTimeout,
		ReadLimit:   cfg.Voting.ReadLimit,
	}, logger)
	channel, err := telemetry.NewTracedVoterChannel(a.voters, providers.TracerProvider(), providers.MeterProvider())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to instrument voter channel: %w", err)
	}

	// Learning
	learningOpts := []learning.Option{learning.WithMetricsSink(a.collector)}
	if store, err := a.openOutcomeStore(); err != nil {
		a.close()
		return nil, err
	} else if store != nil {
		learningOpts = append(learningOpts, learning.WithOutcomeStore(store))
	}
	if a.cache != nil {
		learningOpts = append(learningOpts, learning.WithPredictionCache(learning.NewRedisPredictionCache(a.cache, logger)))
	}
	a.learning = learning.NewSubsystem(learningConfig(cfg.Learning), logger, learningOpts...)

	// Registry and selection
	registryOpts := []capability.RegistryOption{capability.WithMetricsSink(a.collector)}
	if a.db != nil {
		registryOpts = append(registryOpts, capability.WithSource(directory.NewGormSource(a.db, logger)))
	}
	a.registry = capability.NewRegistry(registryConfig(cfg.Registry), logger, registryOpts...)
	a.registry.Subscribe(a.learning.HandleEvent)
	a.selector = selection.NewSelector(a.registry, selectionConfig(cfg.Selection), logger,
		selection.WithMetricsSink(a.collector))

	// Consensus
	a.voterPool = pool.New(pool.Config{
		Name:        "voters",
		MaxWorkers:  cfg.Consensus.VoterWorkers,
		QueueSize:   cfg.Consensus.VoterWorkers * 4,
		IdleTimeout: 30 * time.Second,
	}, logger)
	a.engine = consensus.NewEngine(engineCfg, logger,
		consensus.WithVoterChannel(channel),
		consensus.WithPredictor(a.learning),
		consensus.WithMetricsSink(a.collector),
		consensus.WithPool(a.voterPool),
	)

	a.health = api.NewHealthHandler(Version, logger)
	a.health.RegisterCheck(api.NewCheck("engine", func(ctx context.Context) error {
		if !a.engine.Status().Active {
			return errors.New("conflict engine is not running")
		}
		return nil
	}))
	var coordOpts []api.CoordinatorOption
	if a.db != nil {
		a.health.RegisterCheck(api.NewCheck("database", a.db.Ping))
		coordOpts = append(coordOpts, api.WithNodeStore(directory.NewGormSource(a.db, logger)))
	}
	if a.mongo != nil {
		a.health.RegisterCheck(api.NewCheck("mongodb", a.mongo.Ping))
	}
	if a.cache != nil {
		a.health.RegisterCheck(api.NewCheck("redis", a.cache.Ping))
	}
	coordinator := api.NewCoordinator(a.registry, a.selector, a.engine, a.learning, logger, coordOpts...)
	a.handler = api.NewRouter(api.RouterConfig{
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Recorder:  a.collector,
	}, a.health, coordinator, logger)

	return a, nil
}

func (a *app) openDatabase() error {
	db := a.cfg.Database
	if db.Driver == "" {
		a.logger.Info("database not configured, registry is fed through the API only")
		return nil
	}

	if db.MigrateOnStart {
		m, err := migration.NewMigratorFromDatabaseConfig(db, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
		err = migration.NewCLI(m).RunUp(context.Background())
		_ = m.Close()
		if err != nil {
			return err
		}
	}

	pm, err := database.Open(db.Driver, db.DSN(), poolConfig(db), a.logger)
	if err != nil {
		return err
	}
	a.db = pm
	a.logger.Info("database connected", zap.String("driver", db.Driver))
	return nil
}

// openOutcomeStore 按 learning.outcome_store 选择结果历史存储，可能返回 nil
func (a *app) openOutcomeStore() (learning.OutcomeStore, error) {
	switch a.cfg.Learning.OutcomeStore {
	case "mongo":
		m := a.cfg.Mongo
		store, err := directory.NewMongoOutcomeStore(context.Background(), directory.MongoConfig{
			URI:            m.URI,
			Database:       m.Database,
			Collection:     m.Collection,
			ConnectTimeout: m.ConnectTimeout,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.mongo = store
		return store, nil
	case "database":
		if a.db != nil {
			return directory.NewGormOutcomeStore(a.db, a.logger), nil
		}
	}
	return nil, nil
}

func (a *app) openCache() {
	if a.cfg.Learning.CacheBackend != "redis" {
		return
	}
	m, err := cache.NewManager(cacheConfig(a.cfg.Redis), a.logger)
	if err != nil {
		a.logger.Warn("redis not available, prediction cache falls back to memory", zap.Error(err))
		return
	}
	a.cache = m
}

// start 启动引擎与注册表刷新，并从存储回放历史结果
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if a.db != nil || a.mongo != nil {
		if _, err := a.learning.Warm(ctx); err != nil {
			a.logger.Warn("failed to warm learning history", zap.Error(err))
		}
	}
	if a.db == nil {
		return nil
	}
	if err := a.registry.Start(ctx); err != nil {
		return err
	}
	go a.reportDBStats(ctx, 15*time.Second)
	return nil
}

// managers 返回 API 与指标两个 HTTP 服务器
func (a *app) managers() []*server.Manager {
	s := a.cfg.Server
	apiCfg := server.Config{
		Addr:            fmt.Sprintf(":%d", s.HTTPPort),
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		IdleTimeout:     2 * s.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.ShutdownTimeout,
	}
	metricsCfg := apiCfg
	metricsCfg.Addr = fmt.Sprintf(":%d", s.MetricsPort)
	apiCfg.MaxConnections = s.MaxConnections

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", a.collector.Handler())

	return []*server.Manager{
		server.NewManager("api", a.handler, apiCfg, a.logger),
		server.NewManager("metrics", metricsMux, metricsCfg, a.logger),
	}
}

func (a *app) reportDBStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		a.recordDBStats()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *app) recordDBStats() {
	if a.db == nil {
		return
	}
	stats := a.db.Stats()
	a.collector.RecordDBConnections(a.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
}

// close 按依赖逆序释放资源
func (a *app) close() {
	if a.registry != nil {
		a.registry.Stop()
	}
	if a.engine != nil {
		_ = a.engine.Close()
	}
	if a.voterPool != nil {
		a.voterPool.Close()
	}
	if a.voters != nil {
		_ = a.voters.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.mongo.Close(ctx); err != nil {
			a.logger.Warn("failed to close mongodb", zap.Error(err))
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("failed to shutdown telemetry", zap.Error(err))
	}
}

// =============================================================================
// 🔧 配置映射
// =============================================================================

func registryConfig(c config.RegistryConfig) *capability.RegistryConfig {
	return &capability.RegistryConfig{
		Stripes:            c.Stripes,
		RefreshInterval:    c.RefreshInterval,
		MinRefreshInterval: c.MinRefreshInterval,
		RefreshTimeout:     c.RefreshTimeout,
	}
}

func selectionConfig(c config.SelectionConfig) *selection.Config {
	return &selection.Config{
		HistorySize:         c.HistorySize,
		ParallelThreshold:   c.ParallelThreshold,
		ParallelWorkers:     c.ParallelWorkers,
		NeutralResponseTime: c.NeutralResponseTime,
		TaskLoadIncrement:   c.TaskLoadIncrement,
	}
}

func engineConfig(c config.ConsensusConfig) (*consensus.EngineConfig, error) {
	kinds := make([]consensus.StrategyKind, 0, len(c.EnabledStrategies))
	for _, name := range c.EnabledStrategies {
		k, err := consensus.ParseStrategyKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return &consensus.EngineConfig{
		QueueSize:         c.QueueSize,
		EnabledStrategies: kinds,
		HybridWeights: consensus.HybridWeights{
			Voting:   c.HybridVotingWeight,
			Topology: c.HybridTopologyWeight,
			Learned:  c.HybridLearnedWeight,
		},
		LearnedReferenceLatency: c.LearnedReferenceLatency,
		VoterWorkers:            c.VoterWorkers,
	}, nil
}

func learningConfig(c config.LearningConfig) *learning.Config {
	return &learning.Config{
		HistorySize:         c.HistorySize,
		NodeHistorySize:     c.NodeHistorySize,
		MinSamples:          c.MinSamples,
		SmoothingFactor:     c.SmoothingFactor,
		LoadSensitivity:     c.LoadSensitivity,
		LearningRate:        c.LearningRate,
		MaxWeightDelta:      c.MaxWeightDelta,
		NeutralResponseTime: c.NeutralResponseTime,
		PredictionTTL:       c.PredictionTTL,
		WarmLimit:           c.WarmLimit,
	}
}

func cacheConfig(c config.RedisConfig) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = c.Addr
	cc.Password = c.Password
	cc.DB = c.DB
	cc.PoolSize = c.PoolSize
	cc.MinIdleConns = c.MinIdleConns
	if c.DefaultTTL > 0 {
		cc.DefaultTTL = c.DefaultTTL
	}
	return cc
}

func poolConfig(c config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if c.MaxOpenConns > 0 {
		pc.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		pc.MaxIdleConns = c.MaxIdleConns
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	if c.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = c.ConnMaxLifetime
	}
	return pc
}
