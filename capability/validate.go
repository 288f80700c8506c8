package capability

import (
	"math"

	"github.com/BaSui01/agentcoord/types"
)

func (t RequirementType) valid() bool {
	switch t {
	case RequirementCompute, RequirementStorage, RequirementNetwork, RequirementSpecialized:
		return true
	}
	return false
}

func (u Urgency) valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

func finiteIn(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}

// Validate rejects requirements that cannot be interpreted. Every failure is
// a MALFORMED_INPUT error.
func (r *CapabilityRequirement) Validate() error {
	if r == nil {
		return types.Malformed("requirement is nil")
	}
	if r.ID == "" {
		return types.Malformed("requirement id is empty")
	}
	if r.Type != "" && !r.Type.valid() {
		return types.Malformed("requirement %s: unknown type %q", r.ID, r.Type)
	}
	if r.Urgency != "" && !r.Urgency.valid() {
		return types.Malformed("requirement %s: unknown urgency %q", r.ID, r.Urgency)
	}
	for name, spec := range r.Capabilities {
		if name == "" {
			return types.Malformed("requirement %s: capability name is empty", r.ID)
		}
		if !finiteIn(spec.Weight, 0, 1) {
			return types.Malformed("requirement %s: capability %s weight %v out of [0,1]", r.ID, name, spec.Weight)
		}
		if !finiteIn(spec.MinLevel, 0, 100) {
			return types.Malformed("requirement %s: capability %s min level %v out of [0,100]", r.ID, name, spec.MinLevel)
		}
	}

	c := r.Constraints
	if c.MinNodes < 0 || c.MaxNodes < 0 {
		return types.Malformed("requirement %s: node count bounds must be non-negative", r.ID)
	}
	if c.MinNodes == 0 && c.MaxNodes == 0 {
		return types.Malformed("requirement %s: node count bounds are both zero", r.ID)
	}
	if c.MaxNodes > 0 && c.MaxNodes < c.MinNodes {
		return types.Malformed("requirement %s: max nodes %d < min nodes %d", r.ID, c.MaxNodes, c.MinNodes)
	}

	excluded := make(map[string]struct{}, len(c.ExcludedNodes))
	for _, id := range c.ExcludedNodes {
		excluded[id] = struct{}{}
	}
	required := make(map[string]struct{}, len(c.RequiredNodes))
	for _, id := range c.RequiredNodes {
		if id == "" {
			return types.Malformed("requirement %s: empty required node id", r.ID)
		}
		if _, ok := excluded[id]; ok {
			return types.Malformed("requirement %s: node %s is both required and excluded", r.ID, id)
		}
		required[id] = struct{}{}
	}
	if len(required) > r.NodeLimit() {
		return types.Malformed("requirement %s: %d required nodes exceed node limit %d", r.ID, len(required), r.NodeLimit())
	}
	return nil
}

// Validate checks the ranges of a node record.
func (n *NodeCapabilities) Validate() error {
	if n == nil {
		return types.Malformed("node capabilities are nil")
	}
	if n.NodeID == "" {
		return types.Malformed("node id is empty")
	}
	if !finiteIn(n.Metadata.TrustScore, 0, 1) {
		return types.Malformed("node %s: trust score %v out of [0,1]", n.NodeID, n.Metadata.TrustScore)
	}
	if !finiteIn(n.Metadata.LoadFactor, 0, 1) {
		return types.Malformed("node %s: load factor %v out of [0,1]", n.NodeID, n.Metadata.LoadFactor)
	}
	for name, c := range n.Capabilities {
		if name == "" {
			return types.Malformed("node %s: capability name is empty", n.NodeID)
		}
		if !finiteIn(c.Level, 0, 100) {
			return types.Malformed("node %s: capability %s level %v out of [0,100]", n.NodeID, name, c.Level)
		}
		if p := c.Performance; p != nil {
			if !finiteIn(p.SuccessRate, 0, 1) || !finiteIn(p.Reliability, 0, 1) || p.AvgResponseTime < 0 {
				return types.Malformed("node %s: capability %s has invalid performance history", n.NodeID, name)
			}
		}
	}
	return nil
}
