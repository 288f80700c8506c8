package capability

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/agentcoord/types"
)

func validRequirement() *CapabilityRequirement {
	return &CapabilityRequirement{
		ID:           "req-1",
		Type:         RequirementCompute,
		Capabilities: map[string]CapabilitySpec{"cpu": {Required: true, Weight: 0.8, MinLevel: 60}},
		Constraints:  RequirementConstraints{MinNodes: 1, MaxNodes: 3, RequiredNodes: []string{"a"}, ExcludedNodes: []string{"b"}},
		Urgency:      UrgencyHigh,
	}
}

func TestCapabilityRequirement_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CapabilityRequirement)
		ok     bool
	}{
		{name: "valid", mutate: func(r *CapabilityRequirement) {}, ok: true},
		{name: "min only", mutate: func(r *CapabilityRequirement) { r.Constraints.MaxNodes = 0 }, ok: true},
		{name: "max only", mutate: func(r *CapabilityRequirement) { r.Constraints.MinNodes = 0 }, ok: true},
		{name: "empty type and urgency", mutate: func(r *CapabilityRequirement) { r.Type = ""; r.Urgency = "" }, ok: true},
		{name: "empty id", mutate: func(r *CapabilityRequirement) { r.ID = "" }},
		{name: "negative weight", mutate: func(r *CapabilityRequirement) { r.Capabilities["cpu"] = CapabilitySpec{Weight: -0.1} }},
		{name: "weight above one", mutate: func(r *CapabilityRequirement) { r.Capabilities["cpu"] = CapabilitySpec{Weight: 1.5} }},
		{name: "NaN weight", mutate: func(r *CapabilityRequirement) { r.Capabilities["cpu"] = CapabilitySpec{Weight: math.NaN()} }},
		{name: "min level above 100", mutate: func(r *CapabilityRequirement) { r.Capabilities["cpu"] = CapabilitySpec{Weight: 1, MinLevel: 120} }},
		{name: "inverted bounds", mutate: func(r *CapabilityRequirement) { r.Constraints.MinNodes = 4 }},
		{name: "negative bound", mutate: func(r *CapabilityRequirement) { r.Constraints.MinNodes = -1 }},
		{name: "zero bounds", mutate: func(r *CapabilityRequirement) { r.Constraints.MinNodes = 0; r.Constraints.MaxNodes = 0 }},
		{name: "required and excluded", mutate: func(r *CapabilityRequirement) { r.Constraints.ExcludedNodes = []string{"a"} }},
		{name: "too many required", mutate: func(r *CapabilityRequirement) {
			r.Constraints.RequiredNodes = []string{"a", "c", "d", "e"}
		}},
		{name: "unknown type", mutate: func(r *CapabilityRequirement) { r.Type = "quantum" }},
		{name: "unknown urgency", mutate: func(r *CapabilityRequirement) { r.Urgency = "whenever" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirement()
			tt.mutate(req)
			err := req.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, types.IsMalformed(err), "expected MALFORMED_INPUT, got %v", err)
		})
	}

	var nilReq *CapabilityRequirement
	assert.True(t, types.IsMalformed(nilReq.Validate()))
}

func TestNodeCapabilities_Validate(t *testing.T) {
	good := &NodeCapabilities{
		NodeID:       "n1",
		Capabilities: map[string]NodeCapability{"cpu": {Level: 80, Performance: &HistoricalPerformance{SuccessRate: 1, Reliability: 0.5}}},
		Metadata:     NodeMetadata{TrustScore: 0.7, LoadFactor: 0.2},
	}
	assert.NoError(t, good.Validate())

	bad := []*NodeCapabilities{
		nil,
		{NodeID: ""},
		{NodeID: "n", Metadata: NodeMetadata{TrustScore: 1.2}},
		{NodeID: "n", Metadata: NodeMetadata{LoadFactor: -0.1}},
		{NodeID: "n", Capabilities: map[string]NodeCapability{"cpu": {Level: 101}}},
		{NodeID: "n", Capabilities: map[string]NodeCapability{"cpu": {Level: 10, Performance: &HistoricalPerformance{SuccessRate: 2}}}},
	}
	for i, n := range bad {
		assert.True(t, types.IsMalformed(n.Validate()), "case %d", i)
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := &NodeCapabilities{
		NodeID:       "n1",
		Capabilities: map[string]NodeCapability{"cpu": {Level: 80, Performance: &HistoricalPerformance{SuccessRate: 0.9}}},
		Metadata:     NodeMetadata{Labels: map[string]string{"zone": "a"}},
	}
	cp := orig.Clone()
	cp.Capabilities["cpu"].Performance.SuccessRate = 0.1
	cp.Metadata.Labels["zone"] = "b"
	cp.Capabilities["gpu"] = NodeCapability{Level: 10}

	assert.Equal(t, 0.9, orig.Capabilities["cpu"].Performance.SuccessRate)
	assert.Equal(t, "a", orig.Metadata.Labels["zone"])
	assert.NotContains(t, orig.Capabilities, "gpu")

	req := validRequirement()
	rc := req.Clone()
	rc.Capabilities["cpu"] = CapabilitySpec{Weight: 0.1}
	rc.Constraints.RequiredNodes[0] = "z"
	assert.Equal(t, 0.8, req.Capabilities["cpu"].Weight)
	assert.Equal(t, "a", req.Constraints.RequiredNodes[0])
	assert.Equal(t, 3, req.NodeLimit())
}
