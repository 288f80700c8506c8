package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentcoord/config"
)

// restoreGlobals 快照全局 provider 并在测试结束时恢复
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func enabledConfig() config.TelemetryConfig {
	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "agentcoord-test"
	cfg.Environment = "test"
	cfg.SampleRate = 1
	return cfg
}

func shutdown(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.ForceFlush(context.Background()))
}

func TestInit_OTLPExporters(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(enabledConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdown(t, p)

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK, "global TracerProvider should be replaced")
	assert.True(t, mpIsSDK, "global MeterProvider should be replaced")
}

func TestInit_ExportsThroughInjectedExporters(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Init(enabledConfig(), zaptest.NewLogger(t),
		WithSpanExporter(spans), WithMetricReader(reader), WithoutGlobal())
	require.NoError(t, err)
	shutdown(t, p)

	assert.Equal(t, before, otel.GetTracerProvider(), "WithoutGlobal must leave the global provider alone")

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "resolve")
	span.End()
	counter, err := p.MeterProvider().Meter("test").Int64Counter("resolutions")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	require.NoError(t, p.ForceFlush(context.Background()))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "resolve", got[0].Name)

	attrs := got[0].Resource.Attributes()
	assert.Contains(t, attrs, attribute.String("service.name", "agentcoord-test"))
	assert.Contains(t, attrs, attribute.String("deployment.environment", "test"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestProviders_NilIsNoop(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.Equal(t, otel.GetTracerProvider(), p.TracerProvider())
	assert.Equal(t, otel.GetMeterProvider(), p.MeterProvider())
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制的模块版本为 (devel)
	assert.Equal(t, "dev", BuildVersion())
}
