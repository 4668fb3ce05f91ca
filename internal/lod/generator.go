// Package lod implements the background LOD generator spec.md §4.7
// describes: trailing the input registry's done-watermark, it finds
// every tree node whose descendants are now wholly below the
// watermark, stride-samples a coarser representation of them, writes
// it through the storage handler under a synthetic input id, and
// grafts it back onto the tree as that node's published LOD.
//
// Grounded on the reference implementation's lod generation pass
// (selection policy from spec.md §4.7: stride-sample to
// min(node_limit, Σ child counts / 8)) and on the teacher's own
// background-worker idiom (core/ingestion's periodic compaction
// sweep) for running this as a polled Tick rather than an
// event-driven callback, since a node only becomes eligible once every
// descendant under it individually becomes eligible — a condition
// cheaper to re-check on a timer than to wire through a dedicated
// event per descendant.
package lod

import (
	"encoding/binary"
	"math"

	"github.com/arx-os/pointstore/internal/attributes"
	"github.com/arx-os/pointstore/internal/metrics"
	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/octree"
	"github.com/arx-os/pointstore/internal/registry"
	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/ptlog"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

// Generator owns nothing exclusively — it reads and mutates the tree
// registry's LOD arrays under that registry's own lock (Registry.WithTree)
// and otherwise only calls already-synchronized collaborators.
type Generator struct {
	trees       *octree.Registry
	inputs      *registry.Registry
	attrs       *attributes.Registry
	storageLoop *storage.Loop
	nodeLimit   uint32
	seq         uint32
	log         *ptlog.Logger
}

// New returns a Generator targeting nodeLimit as the stride-sample
// ceiling (the same budget the tree registry uses for its own leaf
// split threshold, per spec.md §4.7's min(node_limit, ...) formula).
// storageLoop is the single storage-loop owner of the backing
// Handler (spec.md §5) — the generator never touches a Handler
// directly.
func New(trees *octree.Registry, inputs *registry.Registry, attrs *attributes.Registry, storageLoop *storage.Loop, nodeLimit uint32, log *ptlog.Logger) *Generator {
	return &Generator{trees: trees, inputs: inputs, attrs: attrs, storageLoop: storageLoop, nodeLimit: nodeLimit, log: log}
}

// Tick generates every LOD node newly eligible under rootID's tree
// family — the tree itself, plus every subtree it reaches through level
// 4 — and returns how many were generated. Safe to call repeatedly on a
// timer; a node already holding a published LOD is skipped immediately.
func (g *Generator) Tick(rootID uint32) (int, error) {
	if rootID == octree.NoTree {
		return 0, nil
	}
	watermark, ok := g.inputs.GetDoneMorton()
	if !ok {
		return 0, nil
	}

	total := 0
	queue := []uint32{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, subIDs, err := g.processTree(id, watermark)
		if err != nil {
			return total, err
		}
		total += n
		queue = append(queue, subIDs...)
	}
	return total, nil
}

type childContribution struct {
	subsets  []octree.Subset
	count    uint64
	min, max morton.Code
}

// processTree scans one tree's levels 0-3 bottom-up (level 4's own
// children are either plain leaf data, handled identically, or point
// into a subtree boundary and are left for a later queue entry).
func (g *Generator) processTree(id uint32, watermark morton.Code) (int, []uint32, error) {
	var generated int
	var subIDs []uint32
	var procErr error

	g.trees.WithTree(id, func(t *octree.Tree) {
		subIDs = append(subIDs, t.SubTrees...)
		for level := 3; level >= 0; level-- {
			for pos := 0; pos < len(t.Nodes[level]); pos++ {
				if t.Nodes[level][pos] == 0 || t.LOD[level][pos] != nil {
					continue
				}
				contrib, ready := collectChildren(t, level, pos)
				if !ready || contrib.count == 0 || !contrib.max.Less(watermark) {
					continue
				}
				subset, err := g.synthesize(t.ID, contrib)
				if err != nil {
					procErr = err
					return
				}
				t.LOD[level][pos] = &subset
				generated++
				metrics.LODNodesGenerated.Inc()
			}
		}
	})
	return generated, subIDs, procErr
}

// collectChildren gathers every set-bit child's contribution at
// level+1: its raw leaf data if it is itself a leaf, or its own
// already-published LOD if it is internal — which is what lets a
// coarser LOD build on a finer one's LOD instead of re-reading every
// leaf transitively on every tick. A child that is internal with no
// LOD yet, or that points into a subtree (only possible at level 4),
// makes the whole node not-yet-ready.
func collectChildren(t *octree.Tree, level, pos int) (childContribution, bool) {
	node := t.Nodes[level][pos]
	childLevel := level + 1
	base := int(t.Skips[level][pos])
	if base < 0 {
		return childContribution{}, false
	}

	var out childContribution
	haveRange := false
	idx := 0
	for bit := uint8(0); bit < 8; bit++ {
		if node&(1<<bit) == 0 {
			continue
		}
		childPos := base + idx
		idx++

		if childLevel == 4 && t.Nodes[4][childPos] != 0 {
			return childContribution{}, false
		}

		if t.Nodes[childLevel][childPos] == 0 {
			d := t.Data[childLevel][childPos]
			if d.PointCount == 0 {
				return childContribution{}, false
			}
			out.subsets = append(out.subsets, d.Subsets...)
			out.count += d.PointCount
			if !haveRange || d.MortonMin.Less(out.min) {
				out.min = d.MortonMin
			}
			if !haveRange || out.max.Less(d.MortonMax) {
				out.max = d.MortonMax
			}
			haveRange = true
			continue
		}

		childLOD := t.LOD[childLevel][childPos]
		if childLOD == nil {
			return childContribution{}, false
		}
		out.subsets = append(out.subsets, *childLOD)
		out.count += uint64(childLOD.Count)
		if !haveRange || childLOD.MortonMin.Less(out.min) {
			out.min = childLOD.MortonMin
		}
		if !haveRange || out.max.Less(childLOD.MortonMax) {
			out.max = childLOD.MortonMax
		}
		haveRange = true
	}
	return out, haveRange
}

// synthesize reads every contributing subset's points, stride-samples
// them down to min(node_limit, total/8) points per spec.md §4.7,
// writes the result as a fresh points blob under a synthetic input id,
// and returns the Subset the caller grafts onto the tree.
func (g *Generator) synthesize(treeID uint32, contrib childContribution) (octree.Subset, error) {
	var destAttrID storage.AttributesID
	var destAttrs storage.Attributes
	haveDest := false
	var perAttrBuffers [][]byte
	totalPoints := 0

	for _, s := range contrib.subsets {
		_, attrID, cols, err := g.storageLoop.ReadPoints(s.Location)
		if err != nil {
			return octree.Subset{}, err
		}
		if !haveDest {
			destAttrID = attrID
			destAttrs, _ = g.attrs.Get(attrID)
			perAttrBuffers = make([][]byte, len(destAttrs.Attributes))
			haveDest = true
		}

		mapping := identityMapping(len(destAttrs.Attributes))
		if attrID != destAttrID {
			m, err := g.attrs.LODMappingFor(attrID, destAttrID)
			if err != nil {
				return octree.Subset{}, err
			}
			mapping = m.SourceToDest
		}

		n := int(s.Count)
		for srcIdx, destIdx := range mapping {
			if destIdx < 0 || srcIdx >= len(cols) {
				continue
			}
			elemSize := destAttrs.Attributes[destIdx].Format.Type.ElementSize() * int(destAttrs.Attributes[destIdx].Format.Components)
			col := cols[srcIdx]
			if elemSize == 0 || len(col) < elemSize*n {
				continue
			}
			perAttrBuffers[destIdx] = append(perAttrBuffers[destIdx], col[:elemSize*n]...)
		}
		totalPoints += n
	}

	if !haveDest || totalPoints == 0 {
		return octree.Subset{}, pterrors.WrapFormat(pterrors.ErrInvariant, "lod: no readable source points for synthesis")
	}

	target := int(g.nodeLimit)
	if byEighth := totalPoints / 8; byEighth < target {
		target = byEighth
	}
	if target < 1 {
		target = 1
	}
	stride := totalPoints / target
	if stride < 1 {
		stride = 1
	}

	accum, _ := g.attrs.Accumulative(destAttrID)
	outCols := make([][]byte, len(destAttrs.Attributes))
	count := 0
	for start := 0; start < totalPoints && count < target; start += stride {
		end := start + stride
		if end > totalPoints {
			end = totalPoints
		}
		for ai, attr := range destAttrs.Attributes {
			elemSize := attr.Format.Type.ElementSize() * int(attr.Format.Components)
			if elemSize == 0 || len(perAttrBuffers[ai]) < end*elemSize {
				continue
			}
			window := perAttrBuffers[ai][start*elemSize : end*elemSize]
			var picked []byte
			if ai < len(accum) && accum[ai] && attr.Format.Type == storage.FormatR32 && attr.Format.Components == 1 {
				picked = averageFloat32(window)
			} else {
				picked = window[:elemSize]
			}
			outCols[ai] = append(outCols[ai], picked...)
		}
		count++
	}

	g.seq++
	synthHeader := storage.NewHeader(storage.NewSyntheticInputID(treeID, g.seq))
	synthHeader.PointCount = uint32(count)
	synthHeader.MortonMin = contrib.min
	synthHeader.MortonMax = contrib.max
	synthHeader.LodSpan = int32(morton.Lod(contrib.min, contrib.max))
	if len(destAttrs.Attributes) > 0 {
		synthHeader.PointFormat = destAttrs.Attributes[0].Format
	}

	loc, err := g.storageLoop.WritePoints(synthHeader, destAttrID, outCols)
	if err != nil {
		return octree.Subset{}, err
	}

	return octree.Subset{
		Input:     synthHeader.InputID,
		AttrID:    destAttrID,
		Location:  loc,
		Count:     synthHeader.PointCount,
		MortonMin: contrib.min,
		MortonMax: contrib.max,
	}, nil
}

func identityMapping(n int) []int {
	m := make([]int, n)
	for i := range m {
		m[i] = i
	}
	return m
}

// averageFloat32 reduces a window of big-endian float32 samples (the
// convention every fixed-width numeric column uses throughout
// internal/storage) to their mean, for accumulative attributes like
// per-point confidence or intensity.
func averageFloat32(window []byte) []byte {
	n := len(window) / 4
	var sum float64
	for i := 0; i < n; i++ {
		bits := binary.BigEndian.Uint32(window[i*4 : i*4+4])
		sum += float64(math.Float32frombits(bits))
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, math.Float32bits(float32(sum/float64(n))))
	return out
}
