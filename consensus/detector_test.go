package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcoord/capability"
	"github.com/BaSui01/agentcoord/testutil/fixtures"
)

func batch(id string, nodes ...capability.SelectedNode) Selection {
	return Selection{ID: id, Nodes: nodes}
}

func TestDetector_NoOverlapNoConflict(t *testing.T) {
	d := NewDetector()
	conflicts := d.Detect([]Selection{
		batch("a", fixtures.Selected("n1", 90)),
		batch("b", fixtures.Selected("n2", 80)),
	}, nil)
	assert.Empty(t, conflicts)
	assert.Nil(t, d.Detect(nil, nil))
}

func TestDetector_SharedNodeIsResourceConflict(t *testing.T) {
	d := NewDetector()
	conflicts := d.Detect([]Selection{
		batch("a", fixtures.Selected("n1", 90), fixtures.Selected("n2", 70)),
		batch("b", fixtures.Selected("n3", 80), fixtures.Selected("n1", 90)),
		batch("c", fixtures.Selected("n9", 50)),
	}, nil)

	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, ConflictResource, c.Type)
	assert.Equal(t, []string{"a", "b"}, c.SelectionIDs)
	assert.Equal(t, []string{"n1"}, c.NodeIDs)
	assert.Len(t, c.Candidates, 2)
	assert.Contains(t, c.ID, "conflict-")
}

func TestDetector_TransitiveOverlapFormsOneComponent(t *testing.T) {
	d := NewDetector()
	conflicts := d.Detect([]Selection{
		batch("a", fixtures.Selected("n1", 90)),
		batch("b", fixtures.Selected("n1", 90), fixtures.Selected("n2", 80)),
		batch("c", fixtures.Selected("n2", 80)),
		batch("d", fixtures.Selected("n7", 10)),
		batch("e", fixtures.Selected("n7", 10)),
	}, nil)

	require.Len(t, conflicts, 2)
	assert.Equal(t, []string{"a", "b", "c"}, conflicts[0].SelectionIDs)
	assert.Equal(t, []string{"n1", "n2"}, conflicts[0].NodeIDs)
	assert.Equal(t, []string{"d", "e"}, conflicts[1].SelectionIDs)
}

func TestDetector_DuplicateNodeInOneBatchIsNotAConflict(t *testing.T) {
	d := NewDetector()
	conflicts := d.Detect([]Selection{
		batch("a", fixtures.Selected("n1", 90), fixtures.Selected("n1", 90)),
	}, nil)
	assert.Empty(t, conflicts)
}

func TestDetector_TopologyConflict(t *testing.T) {
	d := NewDetector()
	conflicts := d.Detect([]Selection{
		batch("a", fixtures.SelectedAt("n1", 90, "eu"), fixtures.SelectedAt("n2", 80, "us")),
		batch("b", fixtures.SelectedAt("n3", 70, "eu")),
	}, []string{"location=eu"})

	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictTopology, conflicts[0].Type)
	assert.Equal(t, []string{"a"}, conflicts[0].SelectionIDs)
	assert.Equal(t, []string{"n2"}, conflicts[0].NodeIDs)
}

func TestMatchesConstraint(t *testing.T) {
	topo := capability.NodeTopology{
		NodeType: "gpu",
		Location: "eu-west",
		Labels:   map[string]string{"zone": "a", "tier": "gold"},
	}
	tests := []struct {
		constraint string
		want       bool
	}{
		{"", true},
		{"location=eu-west", true},
		{"location=us", false},
		{"type=gpu", true},
		{"type = gpu", true},
		{"type=cpu", false},
		{"zone=a", true},
		{"zone=b", false},
		{"gold", true},
		{"gpu", true},
		{"eu-west", true},
		{"silver", false},
	}
	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesConstraint(topo, tt.constraint))
		})
	}
	assert.True(t, Conforms(topo, []string{"type=gpu", "zone=a"}))
	assert.False(t, Conforms(topo, []string{"type=gpu", "zone=b"}))
	assert.True(t, Conforms(topo, nil))
}
