package consensus

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/types"
)

// StrategyKind enumerates the resolution strategies. The zero value is Auto.
type StrategyKind int

const (
	StrategyAuto StrategyKind = iota
	StrategyVoting
	StrategyTopology
	StrategyLearned
	StrategyHybrid
	// StrategyNone marks a resolution produced by the highest-aggregate-score
	// fallback. It cannot be enabled, disabled or forced.
	StrategyNone

	numStrategyKinds
)

var strategyNames = [numStrategyKinds]string{
	StrategyAuto:     "auto",
	StrategyVoting:   "voting",
	StrategyTopology: "topology",
	StrategyLearned:  "learned",
	StrategyHybrid:   "hybrid",
	StrategyNone:     "none",
}

// String returns the strategy's configuration name.
func (k StrategyKind) String() string {
	if k < 0 || k >= numStrategyKinds {
		return fmt.Sprintf("strategy(%d)", int(k))
	}
	return strategyNames[k]
}

// Selectable reports whether the kind can be enabled or forced.
func (k StrategyKind) Selectable() bool {
	return k >= StrategyAuto && k < StrategyNone
}

// ParseStrategyKind resolves a configuration name. "ml" is accepted for learned.
func ParseStrategyKind(name string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "auto", "":
		return StrategyAuto, nil
	case "voting":
		return StrategyVoting, nil
	case "topology":
		return StrategyTopology, nil
	case "learned", "ml":
		return StrategyLearned, nil
	case "hybrid":
		return StrategyHybrid, nil
	}
	return 0, types.NewError(types.ErrUnknownStrategy, fmt.Sprintf("unknown strategy %q", name))
}

// MarshalText encodes the kind by name.
func (k StrategyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *StrategyKind) UnmarshalText(text []byte) error {
	if string(text) == strategyNames[StrategyNone] {
		*k = StrategyNone
		return nil
	}
	parsed, err := ParseStrategyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Priority is the caller's resolution preference.
type Priority string

const (
	PrioritySpeed     Priority = "speed"
	PriorityAccuracy  Priority = "accuracy"
	PriorityConsensus Priority = "consensus"
)

// Selection is one batch of selected nodes, typically the output of one
// selector call.
type Selection struct {
	ID            string                    `json:"id"`
	RequirementID string                    `json:"requirement_id,omitempty"`
	Nodes         []capability.SelectedNode `json:"nodes"`
}

// AggregateScore is the sum of the batch's node scores.
func (s Selection) AggregateScore() float64 {
	return capability.AggregateScore(s.Nodes)
}

// NodeIDs returns the batch's node ids in order.
func (s Selection) NodeIDs() []string {
	ids := make([]string, len(s.Nodes))
	for i := range s.Nodes {
		ids[i] = s.Nodes[i].NodeID
	}
	return ids
}

func (s Selection) clone() Selection {
	out := s
	out.Nodes = append([]capability.SelectedNode(nil), s.Nodes...)
	return out
}

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	// ConflictResource is contention for the same node by several batches.
	ConflictResource ConflictType = "resource"
	// ConflictTopology is a batch violating the declared topology constraints.
	ConflictTopology ConflictType = "topology"
)

// Conflict is a detected contention among selection batches.
type Conflict struct {
	ID           string       `json:"id"`
	Type         ConflictType `json:"type"`
	SelectionIDs []string     `json:"selection_ids"`
	// NodeIDs are the contested nodes, or the non-conforming nodes of a
	// topology conflict.
	NodeIDs    []string    `json:"node_ids"`
	Candidates []Selection `json:"candidates"`
}

// Dissent records a voter that preferred a losing selection.
type Dissent struct {
	VoterID     string `json:"voter_id"`
	SelectionID string `json:"selection_id"`
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	ConflictID         string                    `json:"conflict_id"`
	Strategy           StrategyKind              `json:"strategy"`
	WinningSelectionID string                    `json:"winning_selection_id"`
	ResolvedNodes      []capability.SelectedNode `json:"resolved_nodes"`
	Dissent            []Dissent                 `json:"dissent,omitempty"`
	Reason             string                    `json:"reason,omitempty"`
	// Degraded is set when no formal strategy produced the resolution.
	Degraded bool          `json:"degraded"`
	Duration time.Duration `json:"duration"`
}

// EngineContext carries the per-call parameters of a resolution request.
// It is never stored by the engine.
type EngineContext struct {
	// SystemLoad is the current system load (0-100).
	SystemLoad float64            `json:"system_load"`
	Urgency    capability.Urgency `json:"urgency"`
	Priority   Priority           `json:"priority"`

	AvailableVoters     []string `json:"available_voters,omitempty"`
	TopologyConstraints []string `json:"topology_constraints,omitempty"`
	MLEnabled           bool     `json:"ml_enabled"`

	// VotingTimeout bounds the voting round. Zero or negative fails voting immediately.
	VotingTimeout time.Duration `json:"voting_timeout"`

	// Strategy forces a strategy; the zero value lets auto choose.
	Strategy StrategyKind `json:"strategy"`
}

// ProcessingState is a state of a resolution request.
type ProcessingState string

const (
	StateReceived      ProcessingState = "received"
	StateDetecting     ProcessingState = "detecting"
	StateNoConflict    ProcessingState = "no_conflict"
	StateConflictFound ProcessingState = "conflict_found"
	StateResolving     ProcessingState = "resolving"
	StateResolved      ProcessingState = "resolved"
	StateFailed        ProcessingState = "failed"
	StateDone          ProcessingState = "done"
	StateTimedOut      ProcessingState = "timed_out"
)

// ProcessedSelections is the result of ProcessSelections.
type ProcessedSelections struct {
	OriginalSelections []Selection       `json:"original_selections"`
	ResolvedSelections []Selection       `json:"resolved_selections"`
	ConflictsDetected  int               `json:"conflicts_detected"`
	ConflictsResolved  int               `json:"conflicts_resolved"`
	Resolutions        []*Resolution     `json:"resolutions,omitempty"`
	ProcessingTime     time.Duration     `json:"processing_time"`
	State              ProcessingState   `json:"state"`
	Transitions        []ProcessingState `json:"transitions"`
}
