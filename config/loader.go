// =============================================================================
// 📦 agentcoord 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentcoord.yaml").
//	    WithEnvPrefix("AGENTCOORD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 agentcoord 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Registry  RegistryConfig  `yaml:"registry" env:"REGISTRY"`
	Selection SelectionConfig `yaml:"selection" env:"SELECTION"`
	Consensus ConsensusConfig `yaml:"consensus" env:"CONSENSUS"`
	Voting    VotingConfig    `yaml:"voting" env:"VOTING"`
	Learning  LearningConfig  `yaml:"learning" env:"LEARNING"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Mongo     MongoConfig     `yaml:"mongo" env:"MONGO"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口（健康检查、状态接口）
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// API 服务器最大并发连接数，0 表示不限制
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// RegistryConfig 能力注册表配置
type RegistryConfig struct {
	// 锁分片数
	Stripes int `yaml:"stripes" env:"STRIPES"`
	// 后台刷新周期，0 表示关闭
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	// 计划外刷新的最小间隔
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL"`
	// 单次目录拉取超时
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT"`
}

// SelectionConfig 节点选择配置
type SelectionConfig struct {
	// 保留的选择历史条数
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
	// 超过该候选数时并行打分
	ParallelThreshold int `yaml:"parallel_threshold" env:"PARALLEL_THRESHOLD"`
	// 并行打分协程上限
	ParallelWorkers int `yaml:"parallel_workers" env:"PARALLEL_WORKERS"`
	// 无历史节点的响应时间估计
	NeutralResponseTime time.Duration `yaml:"neutral_response_time" env:"NEUTRAL_RESPONSE_TIME"`
	// 单次分配带来的负载增量
	TaskLoadIncrement float64 `yaml:"task_load_increment" env:"TASK_LOAD_INCREMENT"`
}

// ConsensusConfig 冲突消解引擎配置
type ConsensusConfig struct {
	// 待处理批次队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 启用的策略: voting, topology, learned, hybrid, auto
	EnabledStrategies []string `yaml:"enabled_strategies" env:"ENABLED_STRATEGIES"`
	// 投票并发上限
	VoterWorkers int `yaml:"voter_workers" env:"VOTER_WORKERS"`
	// learned 策略的参考延迟
	LearnedReferenceLatency time.Duration `yaml:"learned_reference_latency" env:"LEARNED_REFERENCE_LATENCY"`
	// hybrid 策略权重
	HybridVotingWeight   float64 `yaml:"hybrid_voting_weight" env:"HYBRID_VOTING_WEIGHT"`
	HybridTopologyWeight float64 `yaml:"hybrid_topology_weight" env:"HYBRID_TOPOLOGY_WEIGHT"`
	HybridLearnedWeight  float64 `yaml:"hybrid_learned_weight" env:"HYBRID_LEARNED_WEIGHT"`
}

// VotingConfig websocket 投票通道配置
type VotingConfig struct {
	// 投票者地址，格式 "voter-id=ws://host:port/vote"
	Endpoints []string `yaml:"endpoints" env:"ENDPOINTS"`
	// 建连超时
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// 单条消息大小上限
	ReadLimit int64 `yaml:"read_limit" env:"READ_LIMIT"`
}

// LearningConfig 学习子系统配置
type LearningConfig struct {
	HistorySize         int           `yaml:"history_size" env:"HISTORY_SIZE"`
	NodeHistorySize     int           `yaml:"node_history_size" env:"NODE_HISTORY_SIZE"`
	MinSamples          int           `yaml:"min_samples" env:"MIN_SAMPLES"`
	SmoothingFactor     float64       `yaml:"smoothing_factor" env:"SMOOTHING_FACTOR"`
	LoadSensitivity     float64       `yaml:"load_sensitivity" env:"LOAD_SENSITIVITY"`
	LearningRate        float64       `yaml:"learning_rate" env:"LEARNING_RATE"`
	MaxWeightDelta      float64       `yaml:"max_weight_delta" env:"MAX_WEIGHT_DELTA"`
	NeutralResponseTime time.Duration `yaml:"neutral_response_time" env:"NEUTRAL_RESPONSE_TIME"`
	PredictionTTL       time.Duration `yaml:"prediction_ttl" env:"PREDICTION_TTL"`
	WarmLimit           int           `yaml:"warm_limit" env:"WARM_LIMIT"`
	// 预测缓存后端: memory, redis
	CacheBackend string `yaml:"cache_backend" env:"CACHE_BACKEND"`
	// 结果历史存储: database, mongo, none
	OutcomeStore string `yaml:"outcome_store" env:"OUTCOME_STORE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite；为空时不使用数据库
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时执行迁移
	MigrateOnStart bool `yaml:"migrate_on_start" env:"MIGRATE_ON_START"`
}

// MongoConfig MongoDB 结果存储配置
type MongoConfig struct {
	// 连接串
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 建连与探活超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 使用明文 gRPC 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 部署环境，写入 deployment.environment 资源属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 指标导出周期
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "AGENTCOORD",
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// DSN 返回 gorm 使用的数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// VoterEndpoints 解析 "id=url" 形式的投票者地址
func (v *VotingConfig) VoterEndpoints() (map[string]string, error) {
	out := make(map[string]string, len(v.Endpoints))
	for _, e := range v.Endpoints {
		id, url, ok := strings.Cut(e, "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("invalid voter endpoint %q, want id=url", e)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate voter endpoint %q", id)
		}
		out[id] = url
	}
	return out, nil
}
