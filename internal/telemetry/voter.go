package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/agentcoord/consensus"
)

const instrumentationName = "github.com/BaSui01/agentcoord/consensus"

// TracedVoterChannel wraps a VoterChannel with one span and one latency
// sample per vote request.
type TracedVoterChannel struct {
	next    consensus.VoterChannel
	tracer  trace.Tracer
	latency metric.Float64Histogram
	votes   metric.Int64Counter
}

var _ consensus.VoterChannel = (*TracedVoterChannel)(nil)

// NewTracedVoterChannel instruments next with the given providers.
func NewTracedVoterChannel(next consensus.VoterChannel, tp trace.TracerProvider, mp metric.MeterProvider) (*TracedVoterChannel, error) {
	meter := mp.Meter(instrumentationName)
	latency, err := meter.Float64Histogram("agentcoord.vote.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Round trip of a single vote request"),
	)
	if err != nil {
		return nil, err
	}
	votes, err := meter.Int64Counter("agentcoord.vote.requests",
		metric.WithDescription("Vote requests by outcome"),
	)
	if err != nil {
		return nil, err
	}
	return &TracedVoterChannel{
		next:    next,
		tracer:  tp.Tracer(instrumentationName),
		latency: latency,
		votes:   votes,
	}, nil
}

// RequestVote forwards to the wrapped channel.
func (t *TracedVoterChannel) RequestVote(ctx context.Context, voterID string, proposal *consensus.Proposal) (consensus.Vote, error) {
	attrs := []attribute.KeyValue{attribute.String("voter.id", voterID)}
	if proposal != nil {
		attrs = append(attrs,
			attribute.String("conflict.id", proposal.ConflictID),
			attribute.String("conflict.type", string(proposal.Type)),
			attribute.Int("proposal.candidates", len(proposal.Candidates)),
		)
	}
	ctx, span := t.tracer.Start(ctx, "consensus.RequestVote",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	start := time.Now()
	vote, err := t.next.RequestVote(ctx, voterID, proposal)
	outcome := "voted"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("vote.selection_id", vote.SelectionID))
	}

	set := metric.WithAttributes(attribute.String("outcome", outcome))
	t.latency.Record(ctx, time.Since(start).Seconds(), set)
	t.votes.Add(ctx, 1, set)
	return vote, err
}
