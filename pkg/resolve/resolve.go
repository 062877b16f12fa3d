// Package resolve turns raw extracted triplets into a deduplicated graph
// delta. Resolution is pure and deterministic: the same triplet list always
// yields the same delta, regardless of which provider produced it.
package resolve

import (
	"github.com/loomkg/loom/pkg/common"
)

// Triplets resolves a triplet list into a GraphDelta.
//
// Nodes are deduplicated by id in input order; when the same id recurs, the
// first occurrence's attributes win and later ones are ignored. Triplets with
// an empty node id on either end are skipped, as are self-edges. Duplicate
// (node1, relationship, node2) edges collapse to one.
func Triplets(triplets []common.Triplet) *common.GraphDelta {
	delta := &common.GraphDelta{}

	nodeIndex := make(map[string]int)
	edgeSeen := make(map[edgeKey]bool)

	internNode := func(n common.TripletNode) int {
		if idx, ok := nodeIndex[n.ID]; ok {
			return idx
		}
		props := make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			props[k] = v
		}
		idx := len(delta.Nodes)
		delta.Nodes = append(delta.Nodes, common.EntityNode{ID: n.ID, Properties: props})
		nodeIndex[n.ID] = idx
		return idx
	}

	for _, t := range triplets {
		if t.Node1.ID == "" || t.Node2.ID == "" {
			continue
		}
		if t.Node1.ID == t.Node2.ID {
			continue
		}

		i1 := internNode(t.Node1)
		i2 := internNode(t.Node2)

		key := edgeKey{node1: i1, relationship: t.Relationship, node2: i2}
		if edgeSeen[key] {
			continue
		}
		edgeSeen[key] = true
		delta.Edges = append(delta.Edges, common.Edge{
			Node1:        i1,
			Relationship: t.Relationship,
			Node2:        i2,
		})
	}

	return delta
}

type edgeKey struct {
	node1        int
	relationship string
	node2        int
}
