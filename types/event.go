package types

import "time"

// EventType identifies a coordination milestone.
type EventType string

const (
	// EventCapabilitiesUpdated is emitted after a node's capabilities were replaced.
	EventCapabilitiesUpdated EventType = "capabilities_updated"
	// EventNodeRemoved is emitted after a node left the registry.
	EventNodeRemoved EventType = "node_removed"
	// EventRegistryRefreshed is emitted after a successful directory refresh.
	EventRegistryRefreshed EventType = "registry_refreshed"
	// EventRegistryDegraded is emitted when a refresh failed and stale data is served.
	EventRegistryDegraded EventType = "registry_degraded"
	// EventNodesSelected is emitted after every selector call.
	EventNodesSelected EventType = "nodes_selected"
	// EventConflictDetected is emitted for every detected conflict.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved is emitted when a resolution was produced.
	EventConflictResolved EventType = "conflict_resolved"
	// EventStrategyFailed is emitted when a strategy failed and the engine fell through.
	EventStrategyFailed EventType = "strategy_failed"
	// EventOutcomeRecorded is emitted after a performance outcome was accepted.
	EventOutcomeRecorded EventType = "outcome_recorded"
	// EventWeightsProposed is emitted after a weight-adjustment pass.
	EventWeightsProposed EventType = "weights_proposed"
)

// Event is a notification delivered to registered handlers.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// RequirementID is the requirement involved (if applicable).
	RequirementID string `json:"requirement_id,omitempty"`

	// NodeID is the node involved (if applicable).
	NodeID string `json:"node_id,omitempty"`

	// NodeIDs lists the nodes involved (if applicable).
	NodeIDs []string `json:"node_ids,omitempty"`

	// Strategy is the resolution strategy involved (if applicable).
	Strategy string `json:"strategy,omitempty"`

	// Data contains additional event data.
	Data map[string]any `json:"data,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler handles coordination events. Handlers run on their own goroutine.
type EventHandler func(event *Event)
