package capability

import (
	"time"
)

// RequirementType classifies what a requirement asks for.
type RequirementType string

const (
	RequirementCompute     RequirementType = "compute"
	RequirementStorage     RequirementType = "storage"
	RequirementNetwork     RequirementType = "network"
	RequirementSpecialized RequirementType = "specialized"
)

// Urgency is the priority class of a requirement or resolution request.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// DefaultMinLevel is the reference level used when a capability spec declares no minimum.
const DefaultMinLevel = 50.0

// CapabilitySpec describes how one capability contributes to a requirement.
type CapabilitySpec struct {
	// Required marks the capability as mandatory. Missing required capabilities
	// are penalised harder than missing optional ones.
	Required bool `json:"required" yaml:"required"`

	// Weight is the relative importance of the capability (0-1).
	Weight float64 `json:"weight" yaml:"weight"`

	// MinLevel is the reference proficiency level. Zero means DefaultMinLevel.
	MinLevel float64 `json:"min_level,omitempty" yaml:"min_level,omitempty"`

	// PreferredValue is an opaque hint carried through to callers.
	PreferredValue any `json:"preferred_value,omitempty" yaml:"preferred_value,omitempty"`
}

// RequirementConstraints are the hard constraints of a requirement.
type RequirementConstraints struct {
	MinNodes      int      `json:"min_nodes" yaml:"min_nodes"`
	MaxNodes      int      `json:"max_nodes" yaml:"max_nodes"`
	Topology      string   `json:"topology,omitempty" yaml:"topology,omitempty"`
	ExcludedNodes []string `json:"excluded_nodes,omitempty" yaml:"excluded_nodes,omitempty"`
	RequiredNodes []string `json:"required_nodes,omitempty" yaml:"required_nodes,omitempty"`
}

// CapabilityRequirement is a request for a set of capabilities.
// It is treated as immutable once submitted; consumers copy before adjusting.
type CapabilityRequirement struct {
	ID           string                    `json:"id" yaml:"id"`
	Type         RequirementType           `json:"type" yaml:"type"`
	Capabilities map[string]CapabilitySpec `json:"capabilities" yaml:"capabilities"`
	Constraints  RequirementConstraints    `json:"constraints" yaml:"constraints"`
	Urgency      Urgency                   `json:"urgency" yaml:"urgency"`
}

// NodeLimit is the number of nodes a selection aims for: max(MinNodes, MaxNodes).
func (r *CapabilityRequirement) NodeLimit() int {
	if r.Constraints.MaxNodes > r.Constraints.MinNodes {
		return r.Constraints.MaxNodes
	}
	return r.Constraints.MinNodes
}

// Clone returns a deep copy of the requirement.
func (r *CapabilityRequirement) Clone() *CapabilityRequirement {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = make(map[string]CapabilitySpec, len(r.Capabilities))
		for name, spec := range r.Capabilities {
			out.Capabilities[name] = spec
		}
	}
	out.Constraints.ExcludedNodes = append([]string(nil), r.Constraints.ExcludedNodes...)
	out.Constraints.RequiredNodes = append([]string(nil), r.Constraints.RequiredNodes...)
	return &out
}

// HistoricalPerformance summarises how a node performed with a capability.
type HistoricalPerformance struct {
	AvgResponseTime time.Duration `json:"avg_response_time"`
	// SuccessRate is the fraction of successful executions (0-1).
	SuccessRate float64 `json:"success_rate"`
	// Reliability is the fraction of time the capability was available (0-1).
	Reliability float64 `json:"reliability"`
}

// NodeCapability is one advertised capability of a node.
type NodeCapability struct {
	// Level is the proficiency level (0-100).
	Level       float64                `json:"level"`
	Verified    bool                   `json:"verified"`
	LastUpdated time.Time              `json:"last_updated"`
	Performance *HistoricalPerformance `json:"performance,omitempty"`
}

// NodeMetadata carries node-level attributes used by scoring and topology checks.
type NodeMetadata struct {
	NodeType string            `json:"node_type"`
	Location string            `json:"location,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	// TrustScore is a reliability signal independent of capability levels (0-1).
	TrustScore float64 `json:"trust_score"`
	// LoadFactor is the current utilisation (0-1).
	LoadFactor float64 `json:"load_factor"`
}

// NodeCapabilities is a node's advertised capability profile.
type NodeCapabilities struct {
	NodeID       string                    `json:"node_id"`
	Capabilities map[string]NodeCapability `json:"capabilities"`
	Metadata     NodeMetadata              `json:"metadata"`
}

// Clone returns a deep copy of the node record.
func (n *NodeCapabilities) Clone() *NodeCapabilities {
	if n == nil {
		return nil
	}
	out := &NodeCapabilities{
		NodeID:   n.NodeID,
		Metadata: n.Metadata,
	}
	if n.Capabilities != nil {
		out.Capabilities = make(map[string]NodeCapability, len(n.Capabilities))
		for name, c := range n.Capabilities {
			if c.Performance != nil {
				perf := *c.Performance
				c.Performance = &perf
			}
			out.Capabilities[name] = c
		}
	}
	if n.Metadata.Labels != nil {
		out.Metadata.Labels = make(map[string]string, len(n.Metadata.Labels))
		for k, v := range n.Metadata.Labels {
			out.Metadata.Labels[k] = v
		}
	}
	return out
}

// Topology returns the node's topology snapshot.
func (n *NodeCapabilities) Topology() NodeTopology {
	t := NodeTopology{NodeType: n.Metadata.NodeType, Location: n.Metadata.Location}
	if len(n.Metadata.Labels) > 0 {
		t.Labels = make(map[string]string, len(n.Metadata.Labels))
		for k, v := range n.Metadata.Labels {
			t.Labels[k] = v
		}
	}
	return t
}

// ScoreBreakdown is the per-capability part of a CapabilityScore.
type ScoreBreakdown struct {
	RawScore      float64 `json:"raw_score"`
	Weight        float64 `json:"weight"`
	WeightedScore float64 `json:"weighted_score"`
}

// CapabilityScore is the result of matching one node against one requirement.
// It is computed fresh on every call and never persisted.
type CapabilityScore struct {
	NodeID     string                    `json:"node_id"`
	TotalScore float64                   `json:"total_score"`
	Breakdown  map[string]ScoreBreakdown `json:"breakdown"`
	Penalties  map[string]float64        `json:"penalties"`
	Bonuses    map[string]float64        `json:"bonuses"`
}

// PerformanceEstimate is the selector's expectation for a chosen node.
type PerformanceEstimate struct {
	ResponseTime time.Duration `json:"response_time"`
	Reliability  float64       `json:"reliability"`
	LoadImpact   float64       `json:"load_impact"`
}

// NodeTopology is the immutable topology snapshot carried with a selected node.
type NodeTopology struct {
	NodeType string            `json:"node_type"`
	Location string            `json:"location,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// SelectedNode is a node chosen by the selector. It is a value: a resolved
// replacement is a new SelectedNode, never a mutation.
type SelectedNode struct {
	NodeID   string              `json:"node_id"`
	Score    CapabilityScore     `json:"score"`
	Role     string              `json:"role,omitempty"`
	Estimate PerformanceEstimate `json:"estimate"`
	Topology NodeTopology        `json:"topology"`
}
