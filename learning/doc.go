// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package learning closes the feedback loop between selection and execution.

Callers report a PerformanceOutcome for every node they acted on. The
Subsystem keeps a bounded history, predicts each node's response time,
reliability and success rate from an exponentially weighted average of its
recent outcomes, and proposes per-capability weight deltas after every
outcome. Proposals are advisory: ApplyWeightProposal returns an adjusted copy
of a requirement and scoring itself never changes.

With fewer than Config.MinSamples outcomes a node gets the neutral
prediction (confidence 0.5, reliability and success rate 0.5,
Config.NeutralResponseTime).

Predictions are cached per node and context. MemoryCache is the default;
RedisPredictionCache shares them between replicas. HandleEvent drops cached
predictions when the registry reports a change:

	sub := learning.NewSubsystem(nil, logger, learning.WithOutcomeStore(store))
	registry.Subscribe(sub.HandleEvent)
*/
package learning
