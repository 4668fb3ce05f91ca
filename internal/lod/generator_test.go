package lod

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/pointstore/internal/attributes"
	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/octree"
	"github.com/arx-os/pointstore/internal/registry"
	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/ptlog"
)

func testLogger() *ptlog.Logger { return ptlog.New(ptlog.ERROR) }

func openWritable(t *testing.T) *storage.Handler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.jlp")
	h, err := storage.Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, h.UpgradeToWrite(false))
	return h
}

func floatColumn(start float32, n int) []byte {
	buf := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(start+float32(i)))
	}
	return buf
}

func markDone(t *testing.T, inputs *registry.Registry, name string, watermark morton.Code) {
	t.Helper()
	id := inputs.RegisterInput(name, 0)
	inputs.PreInitComplete(id, 1, 1, watermark, watermark)
	src, ok := inputs.NextInputToProcess()
	require.True(t, ok)
	inputs.CompleteRead(src.ID, 1)
	inputs.RecordInsertion(src.ID, storage.AttributesID(0), storage.Location{})
	require.True(t, src.Done())
}

// TestTickGeneratesLODOverSplitChildren exercises the path spec.md §4.7
// describes end to end: two leaf subsets force a split, the input
// registry's watermark clears both of them, and Tick must stride-sample
// a synthetic coarser subset covering both.
func TestTickGeneratesLODOverSplitChildren(t *testing.T) {
	handler := openWritable(t)
	defer handler.Close()
	storageLoop := storage.NewLoop(handler)
	defer storageLoop.Stop()

	attrs := attributes.New()
	attrSet := storage.Attributes{Attributes: []storage.Attribute{
		{Name: "position", Format: storage.PointFormat{Type: storage.FormatM192, Components: 1}},
		{Name: "intensity", Format: storage.PointFormat{Type: storage.FormatR32, Components: 1}},
	}}
	attrID := attrs.Intern(attrSet, attributes.Accumulative{false, true})

	const perSubset = 16
	posColA := make([]byte, 24*perSubset)
	intensityColA := floatColumn(0, perSubset)
	headerA := storage.NewHeader(storage.InputID{Data: 1})
	headerA.PointCount = perSubset
	headerA.MortonMin = morton.Code{Lo: 0}
	headerA.MortonMax = morton.Code{Lo: 0}
	locA, err := storageLoop.WritePoints(headerA, attrID, [][]byte{posColA, intensityColA})
	require.NoError(t, err)

	posColB := make([]byte, 24*perSubset)
	intensityColB := floatColumn(100, perSubset)
	headerB := storage.NewHeader(storage.InputID{Data: 2})
	headerB.PointCount = perSubset
	headerB.MortonMin = morton.Code{Lo: 1 << 14}
	headerB.MortonMax = morton.Code{Lo: 1 << 14}
	locB, err := storageLoop.WritePoints(headerB, attrID, [][]byte{posColB, intensityColB})
	require.NoError(t, err)

	subsetA := octree.Subset{Input: headerA.InputID, AttrID: attrID, Location: locA, Count: perSubset, MortonMin: headerA.MortonMin, MortonMax: headerA.MortonMax}
	subsetB := octree.Subset{Input: headerB.InputID, AttrID: attrID, Location: locB, Count: perSubset, MortonMin: headerB.MortonMin, MortonMax: headerB.MortonMax}

	const nodeLimit = perSubset // forces a split once the second subset lands
	treeReg := octree.New(nodeLimit)
	var root uint32
	require.NoError(t, treeReg.Insert(&root, headerA, subsetA))
	require.NoError(t, treeReg.Insert(&root, headerB, subsetB))

	tree, ok := treeReg.Tree(root)
	require.True(t, ok)
	require.NotZero(t, tree.Nodes[0][0], "expected the root leaf to have split")

	inputs := registry.New(1 << 30)
	markDone(t, inputs, "watermark.ply", morton.Code{Lo: 1 << 20})

	gen := New(treeReg, inputs, attrs, storageLoop, nodeLimit, testLogger())
	generated, err := gen.Tick(root)
	require.NoError(t, err)
	assert.Equal(t, 1, generated)

	tree, _ = treeReg.Tree(root)
	require.NotNil(t, tree.LOD[0][0])

	lodSubset := tree.LOD[0][0]
	assert.True(t, lodSubset.Input.IsSynthetic())
	assert.Equal(t, uint32(4), lodSubset.Count, "32 source points / 8 should stride down to 4")

	_, gotAttrID, cols, err := storageLoop.ReadPoints(lodSubset.Location)
	require.NoError(t, err)
	assert.Equal(t, attrID, gotAttrID)
	require.Len(t, cols, 2)
	assert.Equal(t, 24*4, len(cols[0]))
	assert.Equal(t, 4*4, len(cols[1]))

	// Intensity is accumulative: each output sample should be the mean of
	// an 8-point window, not a raw copy of any single source sample.
	firstWindowMean := math.Float32frombits(binary.BigEndian.Uint32(cols[1][0:4]))
	assert.InDelta(t, 3.5, firstWindowMean, 0.001)

	// A second Tick must not regenerate the same node.
	generated, err = gen.Tick(root)
	require.NoError(t, err)
	assert.Equal(t, 0, generated)
}

func TestTickReturnsZeroWithoutWatermark(t *testing.T) {
	handler := openWritable(t)
	defer handler.Close()
	storageLoop := storage.NewLoop(handler)
	defer storageLoop.Stop()

	treeReg := octree.New(1000)
	inputs := registry.New(1 << 30)
	attrs := attributes.New()

	gen := New(treeReg, inputs, attrs, storageLoop, 1000, testLogger())
	generated, err := gen.Tick(octree.NoTree)
	require.NoError(t, err)
	assert.Equal(t, 0, generated)
}
