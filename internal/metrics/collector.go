package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/learning"
	"github.com/BaSui01/agentcoord/selection"
)

// 编译期校验各组件的指标接口
var (
	_ capability.MetricsSink = (*Collector)(nil)
	_ selection.MetricsSink  = (*Collector)(nil)
	_ consensus.MetricsSink  = (*Collector)(nil)
	_ learning.MetricsSink   = (*Collector)(nil)
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现注册表、选择器、共识引擎与学习子系统的 MetricsSink
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 注册表指标
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	registryNodes   prometheus.Gauge

	// 选择指标
	selectionsTotal   *prometheus.CounterVec
	selectionDuration prometheus.Histogram
	selectionNodes    prometheus.Histogram
	selectionScore    prometheus.Histogram

	// 共识指标
	processingTotal    *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	conflictsTotal     *prometheus.CounterVec
	strategyTotal      *prometheus.CounterVec
	strategyDuration   *prometheus.HistogramVec
	queueDepth         prometheus.Gauge

	// 学习指标
	outcomesTotal        *prometheus.CounterVec
	predictionAccuracy   prometheus.Histogram
	predictionsTotal     *prometheus.CounterVec
	predictionConfidence prometheus.Histogram
	proposalDeltas       prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。registry 为 nil 时新建并注册 Go 运行时与进程指标
func NewCollector(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 注册表指标
	c.refreshTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refresh_total",
			Help:      "Total number of registry refreshes",
		},
		[]string{"status"},
	)
	c.refreshDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refresh_duration_seconds",
			Help:      "Registry refresh duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.registryNodes = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "nodes",
			Help:      "Number of nodes loaded by the last successful refresh",
		},
	)

	// 选择指标
	c.selectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "requests_total",
			Help:      "Total number of node selections",
		},
		[]string{"status"},
	)
	c.selectionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "duration_seconds",
			Help:      "Node selection duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
	c.selectionNodes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "nodes",
			Help:      "Number of nodes returned per selection",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
	)
	c.selectionScore = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "mean_score",
			Help:      "Mean total score of the selected nodes",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// 共识指标
	c.processingTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "processing_total",
			Help:      "Total number of processed selection sets by final state",
		},
		[]string{"state"},
	)
	c.processingDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "processing_duration_seconds",
			Help:      "Selection processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)
	c.conflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "conflicts_total",
			Help:      "Total number of conflicts by outcome",
		},
		[]string{"outcome"},
	)
	c.strategyTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "strategy_attempts_total",
			Help:      "Total number of strategy attempts",
		},
		[]string{"strategy", "status"},
	)
	c.strategyDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "strategy_duration_seconds",
			Help:      "Strategy attempt duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"strategy"},
	)
	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "queue_depth",
			Help:      "Submissions waiting for the engine worker",
		},
	)

	// 学习指标
	c.outcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "outcomes_total",
			Help:      "Total number of recorded performance outcomes",
		},
		[]string{"scored"},
	)
	c.predictionAccuracy = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "prediction_accuracy",
			Help:      "Accuracy of the prediction that preceded each outcome",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	c.predictionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "predictions_total",
			Help:      "Total number of performance predictions",
		},
		[]string{"source", "neutral"},
	)
	c.predictionConfidence = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "prediction_confidence",
			Help:      "Confidence of served predictions",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	c.proposalDeltas = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "proposal_deltas",
			Help:      "Number of capability weight deltas per proposal",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 6),
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)
	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry 返回底层 Prometheus 注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回暴露本收集器指标的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗂️ 注册表指标记录
// =============================================================================

// RecordRefresh 记录一次注册表刷新
func (c *Collector) RecordRefresh(success bool, nodes int, duration time.Duration) {
	c.refreshTotal.WithLabelValues(outcomeLabel(success)).Inc()
	c.refreshDuration.Observe(duration.Seconds())
	if success {
		c.registryNodes.Set(float64(nodes))
	}
}

// =============================================================================
// 🎯 选择指标记录
// =============================================================================

// RecordSelection 记录一次节点选择
func (c *Collector) RecordSelection(feasible bool, nodes int, meanScore float64, duration time.Duration) {
	status := "feasible"
	if !feasible {
		status = "infeasible"
	}
	c.selectionsTotal.WithLabelValues(status).Inc()
	c.selectionDuration.Observe(duration.Seconds())
	if feasible {
		c.selectionNodes.Observe(float64(nodes))
		c.selectionScore.Observe(meanScore)
	}
}

// =============================================================================
// 🤝 共识指标记录
// =============================================================================

// RecordProcessing 记录一次 ProcessSelections 的终态
func (c *Collector) RecordProcessing(state string, conflicts, resolved int, duration time.Duration) {
	c.processingTotal.WithLabelValues(state).Inc()
	c.processingDuration.WithLabelValues(state).Observe(duration.Seconds())
	c.conflictsTotal.WithLabelValues("detected").Add(float64(conflicts))
	c.conflictsTotal.WithLabelValues("resolved").Add(float64(resolved))
}

// RecordStrategy 记录一次策略尝试
func (c *Collector) RecordStrategy(strategy string, success bool, duration time.Duration) {
	c.strategyTotal.WithLabelValues(strategy, outcomeLabel(success)).Inc()
	c.strategyDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// SetQueueDepth 更新引擎队列深度
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// =============================================================================
// 🧠 学习指标记录
// =============================================================================

// RecordOutcome 记录一条执行结果，scored 表示存在可比较的历史预测
func (c *Collector) RecordOutcome(nodeID string, accuracy float64, scored bool) {
	c.outcomesTotal.WithLabelValues(strconv.FormatBool(scored)).Inc()
	if scored {
		c.predictionAccuracy.Observe(accuracy)
	}
	c.logger.Debug("outcome recorded",
		zap.String("node_id", nodeID),
		zap.Bool("scored", scored),
		zap.Float64("accuracy", accuracy),
	)
}

// RecordPrediction 记录一次预测，缓存命中同时计入缓存指标
func (c *Collector) RecordPrediction(cached, neutral bool, confidence float64) {
	source := "computed"
	if cached {
		source = "cache"
		c.cacheHits.WithLabelValues("prediction").Inc()
	} else {
		c.cacheMisses.WithLabelValues("prediction").Inc()
	}
	c.predictionsTotal.WithLabelValues(source, strconv.FormatBool(neutral)).Inc()
	c.predictionConfidence.Observe(confidence)
}

// RecordProposal 记录一次权重调整建议
func (c *Collector) RecordProposal(deltas int) {
	c.proposalDeltas.Observe(float64(deltas))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
