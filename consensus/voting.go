package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/types"
)

// Proposal is what a voter is asked to choose from.
type Proposal struct {
	ConflictID string       `json:"conflict_id"`
	Type       ConflictType `json:"type"`
	Candidates []Selection  `json:"candidates"`
	Deadline   time.Time    `json:"deadline"`
}

// Vote is one voter's choice.
type Vote struct {
	VoterID     string `json:"voter_id"`
	SelectionID string `json:"selection_id"`
}

// VoterChannel delivers a proposal to a voter and returns its vote.
// Implementations must return once ctx is done.
type VoterChannel interface {
	RequestVote(ctx context.Context, voterID string, proposal *Proposal) (Vote, error)
}

type tally struct {
	voters    int
	responses int
	counts    map[string]int
	votes     []Vote
}

// votingStrategy asks every available voter and picks the plurality.
type votingStrategy struct {
	channel VoterChannel
	pool    *pool.Pool
	logger  *zap.Logger
}

func (v *votingStrategy) Kind() StrategyKind { return StrategyVoting }

func (v *votingStrategy) Resolve(ctx context.Context, conflict *Conflict, ec *EngineContext) (*Resolution, error) {
	t, err := v.collect(ctx, conflict, ec)
	if err != nil {
		return nil, err
	}

	values := make([]float64, len(conflict.Candidates))
	for i, c := range conflict.Candidates {
		values[i] = float64(t.counts[c.ID])
	}
	best := bestByValue(conflict.Candidates, values)
	winner := conflict.Candidates[best]

	res := winningResolution(StrategyVoting, conflict, winner,
		fmt.Sprintf("plurality %d of %d votes (%d voters)", t.counts[winner.ID], t.responses, t.voters))
	for _, vote := range t.votes {
		if vote.SelectionID != winner.ID {
			res.Dissent = append(res.Dissent, Dissent{VoterID: vote.VoterID, SelectionID: vote.SelectionID})
		}
	}
	return res, nil
}

// collect runs one voting round. It fails when the round cannot start, or
// when fewer than half of the voters return a valid vote in time.
func (v *votingStrategy) collect(ctx context.Context, conflict *Conflict, ec *EngineContext) (*tally, error) {
	if v.channel == nil {
		return nil, unavailable(StrategyVoting, "no voter channel configured")
	}
	voters := dedupe(ec.AvailableVoters)
	if len(voters) == 0 {
		return nil, unavailable(StrategyVoting, "no voters available")
	}
	if ec.VotingTimeout <= 0 {
		return nil, types.NewError(types.ErrStrategyTimeout, "voting timeout is not positive").
			WithComponent(StrategyVoting.String())
	}

	vctx, cancel := context.WithTimeout(ctx, ec.VotingTimeout)
	defer cancel()
	deadline, _ := vctx.Deadline()

	proposal := &Proposal{
		ConflictID: conflict.ID,
		Type:       conflict.Type,
		Candidates: conflict.Candidates,
		Deadline:   deadline,
	}
	valid := make(map[string]struct{}, len(conflict.Candidates))
	for _, c := range conflict.Candidates {
		valid[c.ID] = struct{}{}
	}

	type reply struct {
		vote Vote
		err  error
	}
	replies := make(chan reply, len(voters))
	pending := len(voters)
	for _, voterID := range voters {
		voterID := voterID
		task := func(taskCtx context.Context) error {
			vote, err := v.channel.RequestVote(taskCtx, voterID, proposal)
			vote.VoterID = voterID
			replies <- reply{vote: vote, err: err}
			return err
		}
		if err := v.pool.Submit(vctx, task); err != nil {
			replies <- reply{vote: Vote{VoterID: voterID}, err: err}
		}
	}

	t := &tally{voters: len(voters), counts: make(map[string]int)}
collect:
	for pending > 0 {
		select {
		case r := <-replies:
			pending--
			if r.err != nil {
				v.logger.Debug("voter failed",
					zap.String("conflict_id", conflict.ID),
					zap.String("voter_id", r.vote.VoterID),
					zap.Error(r.err))
				continue
			}
			if _, ok := valid[r.vote.SelectionID]; !ok {
				v.logger.Debug("voter chose an unknown selection",
					zap.String("conflict_id", conflict.ID),
					zap.String("voter_id", r.vote.VoterID),
					zap.String("selection_id", r.vote.SelectionID))
				continue
			}
			t.responses++
			t.counts[r.vote.SelectionID]++
			t.votes = append(t.votes, r.vote)
		case <-vctx.Done():
			break collect
		}
	}

	if t.responses*2 < t.voters {
		msg := fmt.Sprintf("%d of %d voters responded", t.responses, t.voters)
		if errors.Is(vctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrStrategyTimeout, msg).
				WithRetryable(true).WithComponent(StrategyVoting.String())
		}
		return nil, types.NewError(types.ErrInsufficientVotes, msg).
			WithComponent(StrategyVoting.String())
	}
	sort.Slice(t.votes, func(i, j int) bool { return t.votes[i].VoterID < t.votes[j].VoterID })
	return t, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
