package octree

import (
	"sync"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

// NoTree is the sentinel root id meaning "no tree created yet".
const NoTree uint32 = 0

// Registry owns every tree and subtree in the store, keyed by id, plus
// the node-count budget that triggers a split. It is mutex-protected
// because the tree loop and the LOD generator both reach it — spec.md
// §5 gives the tree registry a single owning loop in the reference
// implementation, but the Go port exposes it as a regular mutex-guarded
// type so it can be driven directly from internal/eventloop's Loop.
type Registry struct {
	mu        sync.Mutex
	trees     map[uint32]*Tree
	nextID    uint32
	nodeLimit uint32
}

// New returns an empty registry. nodeLimit bounds the point count a leaf
// may hold before it must split.
func New(nodeLimit uint32) *Registry {
	return &Registry{trees: make(map[uint32]*Tree), nextID: 1, nodeLimit: nodeLimit}
}

// Tree returns the tree registered under id.
func (r *Registry) Tree(id uint32) (*Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[id]
	return t, ok
}

// WithTree runs fn with the registry's mutex held, for callers (the LOD
// generator, mainly) that need to read or mutate a tree's arrays
// without racing an insert. fn must not call back into the registry —
// the mutex is not reentrant. Returns false if id is unknown.
func (r *Registry) WithTree(id uint32, fn func(t *Tree)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

func (r *Registry) allocID() uint32 {
	id := r.nextID
	r.nextID++
	return id
}

// boundsFor returns the tree-aligned [min,max] for magnitude enclosing at
// least the single code lo, the same convention tree_initialize uses:
// clear every bit at or below the magnitude's top LOD, then set them all,
// so the result is the smallest tree-aligned box containing lo.
func boundsFor(magnitude int, lo morton.Code) (morton.Code, morton.Code) {
	mask := morton.MaskCreate(morton.MagnitudeToLod(magnitude))
	min := lo.And(mask.Negate())
	max := lo.Or(mask)
	return min, max
}

func (r *Registry) createTree(header storage.Header, subset Subset) *Tree {
	magnitude := morton.MagnitudeFromLod(morton.Lod(header.MortonMin, header.MortonMax))
	min, max := boundsFor(magnitude, header.MortonMin)
	t := &Tree{
		ID:        r.allocID(),
		Magnitude: uint8(magnitude),
		MortonMin: min,
		MortonMax: max,
	}
	t.Nodes[0] = []uint8{0}
	t.Skips[0] = []int16{-1}
	t.Data[0] = []NodeData{newNodeData(header, subset)}
	t.LOD[0] = []*Subset{nil}
	r.trees[t.ID] = t
	return t
}

// Insert is the single entry point for adding a batch to the tree rooted
// at *rootID. On the first call for a fresh tree, *rootID must be NoTree;
// Insert creates the first tree and writes its id back. Reparenting — a
// batch that falls outside the current root's Morton bounds — also
// writes a new id back through rootID, same as add_points(tree_id&, ...)
// in the reference implementation.
func (r *Registry) Insert(rootID *uint32, header storage.Header, subset Subset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertIntoRoot(rootID, header, subset)
}

// insertIntoRoot is Insert's body without the lock, so subtree descent
// (which needs to recurse into another tree's root while the registry
// mutex is already held) can call it directly instead of re-locking.
func (r *Registry) insertIntoRoot(rootID *uint32, header storage.Header, subset Subset) error {
	if *rootID == NoTree {
		t := r.createTree(header, subset)
		*rootID = t.ID
		return nil
	}

	root, ok := r.trees[*rootID]
	if !ok {
		return pterrors.WrapFormat(pterrors.ErrInvariant, "insert: unknown root tree id")
	}

	if header.MortonMin.Less(root.MortonMin) || root.MortonMax.Less(header.MortonMax) {
		newRoot, err := r.reparent(root, header)
		if err != nil {
			return err
		}
		*rootID = newRoot.ID
		root = newRoot
	}

	return r.insertAt(root, 0, 0, header, subset)
}

// reparent grows the tree upward by the smallest magnitude that encloses
// both the current root and the incoming batch, attaching the old root
// as a subtree reached by walking the new root's five levels with the
// old root's Morton-min — the same single mechanism subtree-spawn within
// a tree uses, since a reparent is just a subtree spawn above the old
// root rather than below it.
func (r *Registry) reparent(old *Tree, header storage.Header) (*Tree, error) {
	combinedMin := old.MortonMin
	if header.MortonMin.Less(combinedMin) {
		combinedMin = header.MortonMin
	}
	combinedMax := old.MortonMax
	if combinedMax.Less(header.MortonMax) {
		combinedMax = header.MortonMax
	}

	newMagnitude := morton.MagnitudeFromLod(morton.Lod(combinedMin, combinedMax))
	if newMagnitude <= int(old.Magnitude) {
		newMagnitude = int(old.Magnitude) + 1
	}

	min, max := boundsFor(newMagnitude, header.MortonMin)
	newRoot := &Tree{
		ID:        r.allocID(),
		Magnitude: uint8(newMagnitude),
		MortonMin: min,
		MortonMax: max,
	}
	for i := 0; i < 5; i++ {
		newRoot.Nodes[i] = []uint8{0}
		newRoot.Skips[i] = []int16{-1}
		newRoot.Data[i] = []NodeData{{}}
		newRoot.LOD[i] = []*Subset{nil}
	}
	r.trees[newRoot.ID] = newRoot

	if err := r.attachSubtree(newRoot, old.MortonMin, old.ID); err != nil {
		return nil, err
	}
	return newRoot, nil
}

// attachSubtree walks down parent's five levels along childMin,
// materialising a single-child path, then registers childID as a
// subtree reference at level 4. This is exactly what happens when a
// normal insert needs to descend past level 4 within the same tree, so
// subtree-spawn and reparent share this one code path.
func (r *Registry) attachSubtree(parent *Tree, childMin morton.Code, childID uint32) error {
	pos := 0
	for level := 0; level < 5; level++ {
		lod := morton.TreeLevelToLod(int(parent.Magnitude), level)
		bit := childMin.ChildMask(lod)
		node := parent.Nodes[level][pos]

		if node&(1<<bit) != 0 {
			return pterrors.WrapFormat(pterrors.ErrInvariant, "attachSubtree: child slot already occupied")
		}

		if level == 4 {
			parent.Nodes[level][pos] |= 1 << bit
			parent.Skips[level][pos] = int16(len(parent.SubTrees))
			parent.SubTrees = append(parent.SubTrees, childID)
			return nil
		}

		insertAt := parent.Skips[level][pos]
		if insertAt < 0 {
			insertAt = 0
		}
		materializeChild(parent, level+1, int(insertAt))
		incrementSkipsAfter(parent, level, pos, 1)
		parent.Nodes[level][pos] |= 1 << bit
		if parent.Skips[level][pos] < 0 {
			parent.Skips[level][pos] = insertAt
		}
		pos = int(insertAt)
	}
	return nil
}

// materializeChild inserts one fresh empty node/skip/data slot at index
// pos of level, shifting everything after it right by one.
func materializeChild(t *Tree, level, pos int) {
	t.Nodes[level] = insertUint8(t.Nodes[level], pos, 0)
	t.Skips[level] = insertInt16(t.Skips[level], pos, -1)
	t.Data[level] = insertNodeData(t.Data[level], pos, NodeData{})
	t.LOD[level] = insertLOD(t.LOD[level], pos, nil)
}

// incrementSkipsAfter bumps every skip entry in level after index pos by
// delta, since a new sibling was inserted ahead of whatever they pointed
// to.
func incrementSkipsAfter(t *Tree, level, pos int, delta int16) {
	skips := t.Skips[level]
	for i := pos + 1; i < len(skips); i++ {
		if skips[i] >= 0 {
			skips[i] += delta
		}
	}
}

func insertUint8(s []uint8, pos int, v uint8) []uint8 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertInt16(s []int16, pos int, v int16) []int16 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertNodeData(s []NodeData, pos int, v NodeData) []NodeData {
	s = append(s, NodeData{})
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

func insertLOD(s []*Subset, pos int, v *Subset) []*Subset {
	s = append(s, nil)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// insertAt is the ordinary (non-reparenting) walk: descend from
// (level,pos) along header.MortonMin's child masks, appending to a leaf
// under budget, splitting a leaf at budget, descending through an
// existing child, or materialising a fresh one-item child.
func (r *Registry) insertAt(t *Tree, level, pos int, header storage.Header, subset Subset) error {
	if level == 5 {
		return pterrors.WrapFormat(pterrors.ErrInvariant, "insert: fell off the bottom of a tree without reaching level 4's subtree path")
	}

	node := t.Nodes[level][pos]
	lod := morton.TreeLevelToLod(int(t.Magnitude), level)
	bit := header.MortonMin.ChildMask(lod)

	if node == 0 {
		data := &t.Data[level][pos]
		if data.PointCount+uint64(header.PointCount) <= uint64(r.nodeLimit) {
			data.add(header, subset)
			return nil
		}
		return r.split(t, level, pos, header, subset)
	}

	if node&(1<<bit) != 0 {
		childPos := int(t.Skips[level][pos]) + childSkipIndex(node, bit)
		if level == 4 {
			subIdx := childPos
			subtreeID := t.SubTrees[subIdx]
			if err := r.insertIntoRoot(&subtreeID, header, subset); err != nil {
				return err
			}
			t.SubTrees[subIdx] = subtreeID
			return nil
		}
		return r.insertAt(t, level+1, childPos, header, subset)
	}

	// No child at this bit yet, but the node already has other children:
	// materialise a new one-item child and recurse into it.
	insertAt := int(t.Skips[level][pos]) + childSkipIndex(node, bit)
	if level == 4 {
		subtreeHeader := header
		child := r.createTree(subtreeHeader, subset)
		t.Nodes[level][pos] |= 1 << bit
		t.SubTrees = insertUint32(t.SubTrees, insertAt, child.ID)
		if t.Skips[level][pos] < 0 {
			t.Skips[level][pos] = 0
		}
		return nil
	}
	materializeChild(t, level+1, insertAt)
	incrementSkipsAfter(t, level, pos, 1)
	t.Nodes[level][pos] |= 1 << bit
	if t.Skips[level][pos] < 0 {
		t.Skips[level][pos] = int16(insertAt)
	}
	t.Data[level+1][insertAt] = newNodeData(header, subset)
	return nil
}

func insertUint32(s []uint32, pos int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}

// split materialises children for every subset currently held by the
// leaf at (level,pos) plus the incoming header, distributing each by its
// own Morton-min's child bit at this level, then clears the leaf's data
// — per spec.md §4.6 step 3, data is non-empty iff the node's mask is
// zero.
func (r *Registry) split(t *Tree, level, pos int, header storage.Header, subset Subset) error {
	if level == 4 {
		return pterrors.WrapFormat(pterrors.ErrInvariant, "split: level 4 leaf at capacity must descend into a subtree, not split further")
	}

	existing := t.Data[level][pos]
	lod := morton.TreeLevelToLod(int(t.Magnitude), level)

	type pending struct {
		header storage.Header
		subset Subset
	}
	byBit := make(map[uint8][]pending, 8)
	for _, s := range existing.Subsets {
		h := storage.NewHeader(s.Input)
		h.PointCount = s.Count
		h.MortonMin = s.MortonMin
		h.MortonMax = s.MortonMax
		bit := s.MortonMin.ChildMask(lod)
		byBit[bit] = append(byBit[bit], pending{header: h, subset: s})
	}
	incomingBit := header.MortonMin.ChildMask(lod)
	byBit[incomingBit] = append(byBit[incomingBit], pending{header: header, subset: subset})

	t.Data[level][pos] = NodeData{}
	t.Nodes[level][pos] = 0
	t.Skips[level][pos] = -1
	t.LOD[level][pos] = nil

	// This node's children follow those of every node before it at this
	// level.
	base := 0
	for i := 0; i < pos; i++ {
		base += childSkipIndex(t.Nodes[level][i], 8)
	}
	for bit := uint8(0); bit < 8; bit++ {
		items, ok := byBit[bit]
		if !ok {
			continue
		}
		materializeChild(t, level+1, base)
		incrementSkipsAfter(t, level, pos, 1)
		t.Nodes[level][pos] |= 1 << bit
		if t.Skips[level][pos] < 0 {
			t.Skips[level][pos] = int16(base)
		}
		for _, it := range items {
			if err := r.insertAt(t, level+1, base, it.header, it.subset); err != nil {
				return err
			}
		}
		base++
	}
	return nil
}
