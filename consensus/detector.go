package consensus

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/BaSui01/agentcoord/capability"
)

// Detector finds contention among selection batches. It is synchronous and
// never blocks.
type Detector struct{}

// NewDetector creates a conflict detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect groups batches that share node ids into connected components; each
// component of two or more batches is one resource conflict. A batch outside
// every component that violates non-empty topology constraints is a topology
// conflict. Conflicts are returned in input order of their first batch.
func (d *Detector) Detect(selections []Selection, topology []string) []*Conflict {
	n := len(selections)
	if n == 0 {
		return nil
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	owners := make(map[string][]int)
	for i, sel := range selections {
		seen := make(map[string]struct{}, len(sel.Nodes))
		for _, node := range sel.Nodes {
			if _, dup := seen[node.NodeID]; dup {
				continue
			}
			seen[node.NodeID] = struct{}{}
			owners[node.NodeID] = append(owners[node.NodeID], i)
		}
	}
	for _, idx := range owners {
		for _, other := range idx[1:] {
			union(idx[0], other)
		}
	}

	components := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := find(i)
		components[root] = append(components[root], i)
	}

	var conflicts []*Conflict
	for i := 0; i < n; i++ {
		members := components[i]
		if len(members) == 0 {
			continue
		}
		if len(members) > 1 {
			conflicts = append(conflicts, resourceConflict(selections, members, owners))
			continue
		}
		if len(topology) == 0 {
			continue
		}
		sel := selections[members[0]]
		if bad := nonConforming(sel.Nodes, topology); len(bad) > 0 {
			conflicts = append(conflicts, &Conflict{
				ID:           newConflictID(),
				Type:         ConflictTopology,
				SelectionIDs: []string{sel.ID},
				NodeIDs:      bad,
				Candidates:   []Selection{sel.clone()},
			})
		}
	}
	return conflicts
}

func resourceConflict(selections []Selection, members []int, owners map[string][]int) *Conflict {
	c := &Conflict{
		ID:   newConflictID(),
		Type: ConflictResource,
	}
	contested := make(map[string]struct{})
	for _, idx := range members {
		sel := selections[idx]
		c.SelectionIDs = append(c.SelectionIDs, sel.ID)
		c.Candidates = append(c.Candidates, sel.clone())
		for _, node := range sel.Nodes {
			if len(owners[node.NodeID]) > 1 {
				contested[node.NodeID] = struct{}{}
			}
		}
	}
	for id := range contested {
		c.NodeIDs = append(c.NodeIDs, id)
	}
	sort.Strings(c.NodeIDs)
	return c
}

func newConflictID() string {
	return "conflict-" + uuid.NewString()
}

// MatchesConstraint reports whether a node's topology satisfies one
// constraint. Supported forms are "location=<v>", "type=<v>",
// "<label>=<v>" and a bare value matched against type, location and label
// values.
func MatchesConstraint(t capability.NodeTopology, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true
	}
	key, value, ok := strings.Cut(constraint, "=")
	if !ok {
		if t.NodeType == constraint || t.Location == constraint {
			return true
		}
		for _, v := range t.Labels {
			if v == constraint {
				return true
			}
		}
		return false
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	switch key {
	case "location":
		return t.Location == value
	case "type":
		return t.NodeType == value
	default:
		return t.Labels[key] == value
	}
}

// Conforms reports whether a node satisfies every constraint.
func Conforms(t capability.NodeTopology, constraints []string) bool {
	for _, c := range constraints {
		if !MatchesConstraint(t, c) {
			return false
		}
	}
	return true
}

func nonConforming(nodes []capability.SelectedNode, constraints []string) []string {
	var bad []string
	for _, n := range nodes {
		if !Conforms(n.Topology, constraints) {
			bad = append(bad, n.NodeID)
		}
	}
	return bad
}
