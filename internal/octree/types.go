// Package octree implements the Morton-hierarchical tree engine: the
// insert/reparent/split machinery that organizes every ingested point
// batch into a navigable spatial index, and the LOD generator's grafting
// target.
package octree

import (
	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
)

// Subset is a window into a written point blob: which input produced it,
// where that blob lives, the point offset and count within it, and this
// subset's own Morton range (not the node's aggregate) — needed to
// redistribute subsets correctly when a node splits, since a leaf node's
// own min/max only describe the union of everything it holds. Location
// is carried directly rather than looked up through the input registry
// so the tree-registry blob can serialize "subsets referencing input ids
// and locations" on its own, per spec.md §6, and so the LOD generator
// can read a subset's points without consulting anything beyond the
// tree itself.
type Subset struct {
	Input       storage.InputID
	AttrID      storage.AttributesID
	Location    storage.Location
	Offset      uint32
	Count       uint32
	MortonMin   morton.Code
	MortonMax   morton.Code
}

// NodeData is a leaf payload: the aggregate point count and Morton range
// of every subset it holds, plus the subsets themselves. A node with a
// non-zero child mask has an empty NodeData — points live in exactly one
// place, leaf or split, never both.
type NodeData struct {
	PointCount uint64
	MortonMin  morton.Code
	MortonMax  morton.Code
	LodSpan    int
	Subsets    []Subset
}

func newNodeData(header storage.Header, subset Subset) NodeData {
	return NodeData{
		PointCount: uint64(header.PointCount),
		MortonMin:  header.MortonMin,
		MortonMax:  header.MortonMax,
		LodSpan:    morton.Lod(header.MortonMin, header.MortonMax),
		Subsets:    []Subset{subset},
	}
}

// add folds header/subset into an already-populated node, widening the
// aggregate Morton range and recomputing lod_span the same way
// points_data_add does in the reference implementation.
func (d *NodeData) add(header storage.Header, subset Subset) {
	if d.PointCount == 0 {
		*d = newNodeData(header, subset)
		return
	}
	d.Subsets = append(d.Subsets, subset)
	d.PointCount += uint64(header.PointCount)
	if header.MortonMin.Less(d.MortonMin) {
		d.MortonMin = header.MortonMin
	}
	if d.MortonMax.Less(header.MortonMax) {
		d.MortonMax = header.MortonMax
	}
	d.LodSpan = morton.Lod(d.MortonMin, d.MortonMax)
}

// Tree is one magnitude's worth of hierarchy: five levels (LODs
// magnitude*5+4 down to magnitude*5), each a parallel set of node
// bitmasks, skip indices, and leaf data. A node's child mask is zero iff
// it is a leaf (its Data entry is populated); otherwise the mask's set
// bits name which of 8 children exist, and Skips locates where those
// children begin in the next level's arrays — or, at level 4, in
// SubTrees.
//
// LOD carries a synthetic, down-sampled Subset per node position,
// independent of whether that position is a leaf or has split children:
// a coarser representation of everything beneath it, published once all
// of its descendants' own LODs are published (spec.md §4.7's ordering
// guarantee). A nil entry means no LOD has been generated for that
// position yet. It is parallel to Nodes/Skips/Data and must be kept in
// lockstep with them by every function that grows or shifts those
// arrays.
type Tree struct {
	ID        uint32
	Magnitude uint8
	MortonMin morton.Code
	MortonMax morton.Code
	Nodes     [5][]uint8
	Skips     [5][]int16
	Data      [5][]NodeData
	LOD       [5][]*Subset
	SubTrees  []uint32
}

// childSkipIndex returns how many of node's set bits below childBit have
// already been counted — the offset from Skips[level][pos] to the actual
// position of childBit's own child, matching get_skip_index in the
// reference tree.
func childSkipIndex(node uint8, childBit uint8) int {
	count := 0
	for i := uint8(0); i < childBit; i++ {
		if node&(1<<i) != 0 {
			count++
		}
	}
	return count
}
