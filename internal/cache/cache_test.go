package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestPointsCacheMissThenHit(t *testing.T) {
	c, err := New(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	loc := storage.Location{FileID: 0, Size: 64, Offset: 128}
	_, _, _, ok := c.Get(loc)
	assert.False(t, ok)

	header := storage.NewHeader(storage.InputID{Data: 1})
	c.Set(loc, header, storage.AttributesID(3), [][]byte{{1, 2, 3}})

	gotHeader, gotAttrID, gotCols, ok := c.Get(loc)
	require.True(t, ok)
	assert.Equal(t, storage.AttributesID(3), gotAttrID)
	assert.Equal(t, [][]byte{{1, 2, 3}}, gotCols)
	assert.Equal(t, header.InputID, gotHeader.InputID)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestPointsCacheInvalidate(t *testing.T) {
	c, err := New(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	loc := storage.Location{FileID: 0, Size: 64, Offset: 256}
	c.Set(loc, storage.Header{}, storage.AttributesID(1), [][]byte{{9}})
	_, _, _, ok := c.Get(loc)
	require.True(t, ok)

	c.Invalidate(loc)
	_, _, _, ok = c.Get(loc)
	assert.False(t, ok)
}

func TestPointsCacheDistinguishesLocations(t *testing.T) {
	c, err := New(1 << 20)
	require.NoError(t, err)
	defer c.Close()

	locA := storage.Location{FileID: 0, Size: 10, Offset: 0}
	locB := storage.Location{FileID: 0, Size: 10, Offset: 10}
	c.Set(locA, storage.Header{}, storage.AttributesID(1), [][]byte{{1}})
	c.Set(locB, storage.Header{}, storage.AttributesID(2), [][]byte{{2}})

	_, attrA, _, ok := c.Get(locA)
	require.True(t, ok)
	_, attrB, _, ok := c.Get(locB)
	require.True(t, ok)
	assert.Equal(t, storage.AttributesID(1), attrA)
	assert.Equal(t, storage.AttributesID(2), attrB)
}

func TestCachedReaderServesFromHandlerThenCache(t *testing.T) {
	h := openWritable(t)
	defer h.Close()

	header := storage.NewHeader(storage.InputID{Data: 5})
	header.PointCount = 2
	loc, err := h.WritePoints(header, storage.AttributesID(9), [][]byte{{1, 2, 3, 4}})
	require.NoError(t, err)

	r, err := NewCachedReader(h, 1<<20)
	require.NoError(t, err)
	defer r.Close()

	gotHeader, gotAttrID, gotCols, err := r.ReadPoints(loc)
	require.NoError(t, err)
	assert.Equal(t, storage.AttributesID(9), gotAttrID)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}}, gotCols)
	assert.Equal(t, uint32(2), gotHeader.PointCount)
	assert.Equal(t, uint64(1), r.Stats().Misses)

	_, _, _, err = r.ReadPoints(loc)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Stats().Hits)

	r.Invalidate(loc)
	_, _, _, err = r.ReadPoints(loc)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Stats().Misses)
}
