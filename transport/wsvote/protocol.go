package wsvote

import (
	"context"
	"errors"

	"github.com/BaSui01/agentcoord/consensus"
)

// Subprotocol is negotiated on every voter connection.
const Subprotocol = "agentcoord.vote.v1"

var (
	// ErrUnknownVoter is returned for a voter id with no configured endpoint.
	ErrUnknownVoter = errors.New("wsvote: unknown voter")
	// ErrClientClosed is returned after Client.Close.
	ErrClientClosed = errors.New("wsvote: client closed")
	// ErrVoteRejected is returned when the voter answers with an error.
	ErrVoteRejected = errors.New("wsvote: vote rejected")
)

type messageType string

const (
	msgProposal messageType = "proposal"
	msgVote     messageType = "vote"
	msgError    messageType = "error"
)

// envelope is the only frame on the wire. Replies echo the request id so a
// connection can carry several proposals at once.
type envelope struct {
	Type      messageType         `json:"type"`
	RequestID string              `json:"request_id"`
	Proposal  *consensus.Proposal `json:"proposal,omitempty"`
	Vote      *consensus.Vote     `json:"vote,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// DecideFunc picks one candidate id from a proposal.
type DecideFunc func(ctx context.Context, proposal *consensus.Proposal) (string, error)

// HighestAggregate votes for the candidate with the largest aggregate score.
// Ties go to the earlier candidate.
func HighestAggregate(_ context.Context, proposal *consensus.Proposal) (string, error) {
	if proposal == nil || len(proposal.Candidates) == 0 {
		return "", errors.New("proposal has no candidates")
	}
	best := 0
	for i := 1; i < len(proposal.Candidates); i++ {
		if proposal.Candidates[i].AggregateScore() > proposal.Candidates[best].AggregateScore() {
			best = i
		}
	}
	return proposal.Candidates[best].ID, nil
}
