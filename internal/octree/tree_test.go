package octree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
)

func mkHeader(inputID uint32, count uint32, min, max uint64) storage.Header {
	h := storage.NewHeader(storage.InputID{Data: inputID})
	h.PointCount = count
	h.MortonMin = morton.Code{Lo: min}
	h.MortonMax = morton.Code{Lo: max}
	return h
}

func mkSubset(inputID uint32, count uint32, min, max uint64) Subset {
	return Subset{
		Input:     storage.InputID{Data: inputID},
		Offset:    0,
		Count:     count,
		MortonMin: morton.Code{Lo: min},
		MortonMax: morton.Code{Lo: max},
	}
}

// Scenario 1 (spec §8.1): single-file round-trip.
func TestInsertSingleBatchEstablishesRoot(t *testing.T) {
	r := New(1_000_000)
	var root uint32
	h := mkHeader(1, 256, 0, 32767)
	require.NoError(t, r.Insert(&root, h, mkSubset(1, 256, 0, 32767)))

	tree, ok := r.Tree(root)
	require.True(t, ok)
	assert.Equal(t, uint8(0), tree.Magnitude)
	assert.Equal(t, uint64(0), tree.MortonMin.Lo)
	assert.Equal(t, uint64(32767), tree.MortonMax.Lo)
	assert.Equal(t, uint8(0), tree.Nodes[0][0])
	require.Len(t, tree.Data[0][0].Subsets, 1)
}

// Scenario 2 (spec §8.2): inclusion — a second batch within the same
// root's range is appended to the same leaf, not split.
func TestInsertSecondBatchWithinRangeStaysLeaf(t *testing.T) {
	r := New(1_000_000)
	var root uint32
	require.NoError(t, r.Insert(&root, mkHeader(1, 256, 0, 32767), mkSubset(1, 256, 0, 32767)))
	require.NoError(t, r.Insert(&root, mkHeader(2, 10, 16383, 32767), mkSubset(2, 10, 16383, 32767)))

	tree, _ := r.Tree(root)
	assert.Equal(t, uint8(0), tree.Nodes[0][0])
	assert.Len(t, tree.Data[0][0].Subsets, 2)
}

// Scenario 3 (spec §8.3): split — two batches whose combined point count
// exceeds node_limit, landing in different child cells, force the root
// leaf to split.
func TestInsertOverBudgetSplitsLeaf(t *testing.T) {
	r := New(256)
	var root uint32
	require.NoError(t, r.Insert(&root, mkHeader(1, 256, 0, 0), mkSubset(1, 256, 0, 0)))
	require.NoError(t, r.Insert(&root, mkHeader(2, 256, 1<<14, 1<<14), mkSubset(2, 256, 1<<14, 1<<14)))

	tree, _ := r.Tree(root)
	assert.NotZero(t, tree.Nodes[0][0], "root leaf should have split into children")
	assert.Empty(t, tree.Data[0][0].Subsets, "data is non-empty iff mask is zero")
	assert.NotEmpty(t, tree.Nodes[1], "children should be materialised at level 1")
}

// Scenario 4 (spec §8.4): subtree spawn — reaching level 4 with an
// unoccupied child bit registers a brand new subtree rather than
// materialising an ordinary child, since level 4 is the last level
// addressable within one tree. Exercised directly against insertAt since
// driving it through Insert would require engineering a Morton span that
// cascades all the way to level 4 before diverging.
func TestInsertPastLevelFourSpawnsSubtree(t *testing.T) {
	r := New(1_000_000)

	existingSub := r.createTree(mkHeader(9, 1, 0, 0), mkSubset(9, 1, 0, 0))

	tree := &Tree{ID: r.allocID(), Magnitude: 0}
	tree.Nodes[4] = []uint8{1 << 3}
	tree.Skips[4] = []int16{0}
	tree.Data[4] = []NodeData{{}}
	tree.SubTrees = []uint32{existingSub.ID}
	r.trees[tree.ID] = tree

	// Low 3 bits = 5, a different level-4 child bit than the occupied 3.
	h := mkHeader(10, 1, 5, 5)
	require.NoError(t, r.insertAt(tree, 4, 0, h, mkSubset(10, 1, 5, 5)))

	assert.Equal(t, uint8(1<<3|1<<5), tree.Nodes[4][0])
	require.Len(t, tree.SubTrees, 2)
	newSub, ok := r.Tree(tree.SubTrees[1])
	require.True(t, ok)
	assert.Equal(t, uint64(1), newSub.Data[0][0].PointCount)
}

// Scenario 5 (spec §8.5): reparent to a non-zero child slot.
func TestReparentAttachesOldRootAtComputedChildSlot(t *testing.T) {
	r := New(1_000_000)
	var root uint32
	oldMin := uint64(1) << 27
	oldMax := oldMin + (1<<15 - 1)
	require.NoError(t, r.Insert(&root, mkHeader(1, 1, oldMin, oldMax), mkSubset(1, 1, oldMin, oldMax)))

	oldRootID := root
	require.NoError(t, r.Insert(&root, mkHeader(2, 1, 0, 0), mkSubset(2, 1, 0, 0)))

	newRoot, ok := r.Tree(root)
	require.True(t, ok)
	assert.NotEqual(t, oldRootID, root, "reparent must produce a new root id")
	assert.Equal(t, uint8(1), newRoot.Magnitude)
	assert.Equal(t, uint8(2), newRoot.Nodes[0][0], "old root must land at child slot 1, not 0")
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := New(256)
	var root uint32
	require.NoError(t, r.Insert(&root, mkHeader(1, 10, 0, 0), mkSubset(1, 10, 0, 0)))
	require.NoError(t, r.Insert(&root, mkHeader(2, 10, 1<<14, 1<<14), mkSubset(2, 10, 1<<14, 1<<14)))

	data := r.Serialize()
	r2, err := Deserialize(data, 256)
	require.NoError(t, err)

	orig, _ := r.Tree(root)
	restored, ok := r2.Tree(root)
	require.True(t, ok)
	assert.Equal(t, orig.Magnitude, restored.Magnitude)
	assert.Equal(t, orig.MortonMin, restored.MortonMin)
	assert.Equal(t, orig.Nodes, restored.Nodes)
	assert.Equal(t, orig.Skips, restored.Skips)
}
