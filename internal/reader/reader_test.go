package reader

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arx-os/pointstore/internal/attributes"
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

// fakeFile hands one batch of points to ConvertData, then a second call
// reporting zero, matching a real reader's exhaustion contract.
type fakeFile struct {
	positions [][3]float64
	served    bool
}

func newCallbacksFor(files map[string]*fakeFile) Callbacks {
	return Callbacks{
		PreInit: func(path string) (PreInitResult, error) {
			f := files[path]
			return PreInitResult{
				ApproxPointCount:     uint64(len(f.positions)),
				ApproxPointSizeBytes: 12,
			}, nil
		},
		Init: func(path string, header *storage.Header) (interface{}, storage.Attributes, error) {
			header.Scale = [3]float64{1, 1, 1}
			attrs := storage.Attributes{Attributes: []storage.Attribute{
				{Name: "position", Format: storage.PointFormat{Type: storage.FormatM192, Components: 1}},
			}}
			return files[path], attrs, nil
		},
		ConvertData: func(userData interface{}, header *storage.Header, maxPoints int) ([][3]float64, [][]byte, int, error) {
			f := userData.(*fakeFile)
			if f.served {
				return nil, nil, 0, nil
			}
			f.served = true
			col := make([]byte, 24*len(f.positions))
			return f.positions, [][]byte{col}, len(f.positions), nil
		},
		Destroy: func(interface{}) {},
	}
}

func TestPipelineInsertsBatchIntoTree(t *testing.T) {
	handler := openWritable(t)
	defer handler.Close()
	storageLoop := storage.NewLoop(handler)
	defer storageLoop.Stop()

	files := map[string]*fakeFile{
		"cloud.ply": {positions: [][3]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}},
	}

	treeReg := octree.New(8192)
	inputReg := registry.New(1 << 30)
	attrReg := attributes.New()

	var mu sync.Mutex
	var done []string
	hooks := Hooks{
		Done: func(filename string) {
			mu.Lock()
			done = append(done, filename)
			mu.Unlock()
		},
	}

	p := New(storageLoop, treeReg, inputReg, attrReg, newCallbacksFor(files), hooks, 2, 20000, testLogger())
	defer p.Close()

	p.AddFile("cloud.ply")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.RootID() != octree.NoTree
	}, 2*time.Second, 10*time.Millisecond)

	tr, ok := treeReg.Tree(p.RootID())
	require.True(t, ok)
	assert.Equal(t, uint64(3), tr.Data[0][0].PointCount)

	require.Eventually(t, func() bool {
		src, ok := inputReg.Get(0)
		return ok && src.Done()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, attrReg.Count())
}

func TestEncodePositionMatchesOffsetScale(t *testing.T) {
	offset := [3]float64{10, 10, 10}
	scale := [3]float64{1, 1, 1}

	a := encodePosition([3]float64{10, 10, 10}, offset, scale)
	b := encodePosition([3]float64{11, 10, 10}, offset, scale)
	assert.True(t, a.Less(b))
}

func TestRoundDivClampsNegative(t *testing.T) {
	assert.Equal(t, uint64(0), roundDiv(-5, 2))
	assert.Equal(t, uint64(0), roundDiv(5, 0))
	assert.Equal(t, uint64(3), roundDiv(5, 2))
}
