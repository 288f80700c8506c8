// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package consensus detects contention among selection batches and resolves it.

# Overview

The Detector groups batches that share nodes into resource conflicts and
reports batches that violate the caller's topology constraints. The Engine
resolves each conflict through one strategy of a closed set:

  - voting: voters reached through a VoterChannel choose a batch; plurality wins
  - topology: batches whose nodes satisfy every constraint are preferred
  - learned: the batch with the best predicted performance wins
  - hybrid: a weighted blend of the signals above
  - auto: picks a chain of strategies from the EngineContext

A strategy that fails hands over to the next one in the chain and finally to
the highest-aggregate-score fallback, whose resolutions are marked Degraded.

# Concurrency

Submissions are queued and processed by a single worker in submission order.
Voting is the only blocking step and is bounded by EngineContext.VotingTimeout.
A caller whose context expires receives a timed_out result carrying its
selections unchanged.

# Usage

	engine := consensus.NewEngine(nil, logger, consensus.WithVoterChannel(ch))
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	result, err := engine.ProcessSelections(ctx, batches, &consensus.EngineContext{
		Priority:        consensus.PriorityConsensus,
		AvailableVoters: []string{"v1", "v2", "v3"},
		VotingTimeout:   2 * time.Second,
	})
*/
package consensus
