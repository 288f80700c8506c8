package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/BaSui01/agentcoord/consensus"
)

type voterFunc func(ctx context.Context, voterID string, p *consensus.Proposal) (consensus.Vote, error)

func (f voterFunc) RequestVote(ctx context.Context, voterID string, p *consensus.Proposal) (consensus.Vote, error) {
	return f(ctx, voterID, p)
}

func newTraced(t *testing.T, next consensus.VoterChannel) (*TracedVoterChannel, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	traced, err := NewTracedVoterChannel(next, tp, mp)
	require.NoError(t, err)
	return traced, recorder, reader
}

func requestCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "agentcoord.vote.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestTracedVoterChannel_Success(t *testing.T) {
	next := voterFunc(func(_ context.Context, voterID string, p *consensus.Proposal) (consensus.Vote, error) {
		return consensus.Vote{VoterID: voterID, SelectionID: p.Candidates[0].ID}, nil
	})
	traced, recorder, reader := newTraced(t, next)

	vote, err := traced.RequestVote(context.Background(), "v1", &consensus.Proposal{
		ConflictID: "c-1",
		Type:       consensus.ConflictResource,
		Candidates: []consensus.Selection{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", vote.SelectionID)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "consensus.RequestVote", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("voter.id", "v1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("conflict.id", "c-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("vote.selection_id", "a"))
	assert.Equal(t, int64(1), requestCount(t, reader, "voted"))
}

func TestTracedVoterChannel_Error(t *testing.T) {
	boom := errors.New("voter offline")
	next := voterFunc(func(context.Context, string, *consensus.Proposal) (consensus.Vote, error) {
		return consensus.Vote{}, boom
	})
	traced, recorder, reader := newTraced(t, next)

	_, err := traced.RequestVote(context.Background(), "v2", &consensus.Proposal{ConflictID: "c-2"})
	assert.ErrorIs(t, err, boom)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(1), requestCount(t, reader, "error"))
	assert.Equal(t, int64(0), requestCount(t, reader, "voted"))
}
