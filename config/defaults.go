// =============================================================================
// 📦 agentcoord 默认配置
// =============================================================================
// 提供所有配置项的合理默认值，与各组件的 DefaultConfig 保持一致
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Registry:  DefaultRegistryConfig(),
		Selection: DefaultSelectionConfig(),
		Consensus: DefaultConsensusConfig(),
		Voting:    DefaultVotingConfig(),
		Learning:  DefaultLearningConfig(),
		Redis:     DefaultRedisConfig(),
		Mongo:     DefaultMongoConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Stripes:            32,
		RefreshInterval:    30 * time.Second,
		MinRefreshInterval: 5 * time.Second,
		RefreshTimeout:     10 * time.Second,
	}
}

// DefaultSelectionConfig 返回默认选择配置
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		HistorySize:         1000,
		ParallelThreshold:   64,
		ParallelWorkers:     8,
		NeutralResponseTime: time.Second,
		TaskLoadIncrement:   0.1,
	}
}

// DefaultConsensusConfig 返回默认引擎配置
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		QueueSize:               256,
		EnabledStrategies:       []string{"voting", "topology", "learned", "hybrid", "auto"},
		VoterWorkers:            32,
		LearnedReferenceLatency: time.Second,
		HybridVotingWeight:      1.0 / 3,
		HybridTopologyWeight:    1.0 / 3,
		HybridLearnedWeight:     1.0 / 3,
	}
}

// DefaultVotingConfig 返回默认投票通道配置
func DefaultVotingConfig() VotingConfig {
	return VotingConfig{
		DialTimeout: 5 * time.Second,
		ReadLimit:   1 << 20,
	}
}

// DefaultLearningConfig 返回默认学习配置
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		HistorySize:         10000,
		NodeHistorySize:     200,
		MinSamples:          5,
		SmoothingFactor:     0.3,
		LoadSensitivity:     0.5,
		LearningRate:        0.1,
		MaxWeightDelta:      0.05,
		NeutralResponseTime: time.Second,
		PredictionTTL:       5 * time.Minute,
		WarmLimit:           1000,
		CacheBackend:        "memory",
		OutcomeStore:        "database",
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "agentcoord",
		Collection:     "performance_outcomes",
		ConnectTimeout: 5 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DefaultTTL:   10 * time.Minute,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，驱动为空表示不启用
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "agentcoord",
		Name:            "agentcoord",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "agentcoord",
		SampleRate:     0.1,
		Insecure:       true,
		Environment:    "development",
		MetricInterval: 30 * time.Second,
	}
}
