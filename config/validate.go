package config

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentcoord/consensus"
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, "invalid HTTP port")
	}
	if !validPort(c.Server.MetricsPort) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "server.max_connections must not be negative")
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		errs = append(errs, "http_port and metrics_port must differ")
	}

	if c.Registry.Stripes <= 0 {
		errs = append(errs, "registry.stripes must be positive")
	}
	if c.Registry.RefreshInterval < 0 || c.Registry.MinRefreshInterval < 0 {
		errs = append(errs, "registry refresh intervals must not be negative")
	}

	if c.Selection.ParallelWorkers <= 0 {
		errs = append(errs, "selection.parallel_workers must be positive")
	}
	if c.Selection.TaskLoadIncrement < 0 || c.Selection.TaskLoadIncrement > 1 {
		errs = append(errs, "selection.task_load_increment must be between 0 and 1")
	}

	if c.Consensus.QueueSize <= 0 {
		errs = append(errs, "consensus.queue_size must be positive")
	}
	if c.Consensus.VoterWorkers <= 0 {
		errs = append(errs, "consensus.voter_workers must be positive")
	}
	for _, name := range c.Consensus.EnabledStrategies {
		k, err := consensus.ParseStrategyKind(name)
		if err != nil || !k.Selectable() {
			errs = append(errs, fmt.Sprintf("unknown consensus strategy %q", name))
		}
	}
	if c.Consensus.HybridVotingWeight < 0 || c.Consensus.HybridTopologyWeight < 0 || c.Consensus.HybridLearnedWeight < 0 {
		errs = append(errs, "hybrid weights must not be negative")
	}

	if _, err := c.Voting.VoterEndpoints(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Learning.MinSamples <= 0 {
		errs = append(errs, "learning.min_samples must be positive")
	}
	if c.Learning.SmoothingFactor <= 0 || c.Learning.SmoothingFactor > 1 {
		errs = append(errs, "learning.smoothing_factor must be in (0,1]")
	}
	if c.Learning.MaxWeightDelta < 0 || c.Learning.MaxWeightDelta > 1 {
		errs = append(errs, "learning.max_weight_delta must be between 0 and 1")
	}
	switch c.Learning.CacheBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown learning.cache_backend %q", c.Learning.CacheBackend))
	}
	switch c.Learning.OutcomeStore {
	case "database", "none":
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, "mongo.uri is required when learning.outcome_store is mongo")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown learning.outcome_store %q", c.Learning.OutcomeStore))
	}

	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.MetricInterval < 0 {
		errs = append(errs, "telemetry.metric_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
