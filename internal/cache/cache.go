// Package cache is a read-through accelerator in front of
// internal/storage.Handler, grounded on the teacher's
// services/arxobject/persistence.Store (an in-process map cache keyed by
// object ID in front of BoltDB, with hit/miss counters) and its own
// internal/database.QueryCache (the same shape rebuilt on
// github.com/dgraph-io/ristretto). Eviction never affects correctness:
// the backing file is always the source of truth, and any location the
// cache doesn't have is simply re-read from the handler.
package cache

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"

	"github.com/arx-os/pointstore/internal/storage"
)

// entry is what a points blob decodes to — the value cached against its
// Location.
type entry struct {
	header  storage.Header
	attrID  storage.AttributesID
	columns [][]byte
}

// PointsCache caches decoded WritePoints/ReadPoints blobs keyed by their
// storage.Location, so a LOD generator or frustum walker revisiting a hot
// node skips the file read and the column decode entirely.
type PointsCache struct {
	cache  *ristretto.Cache
	hits   uint64
	misses uint64
}

// defaultNumCounters follows ristretto's own sizing guidance (10x the
// number of items expected to fit, the same ratio the teacher's
// QueryCache uses for maxSize/10 against a byte budget).
const defaultNumCounters = 1_000_000

// New creates a PointsCache with maxCost bytes of budget, estimated from
// each entry's decoded column lengths.
func New(maxCost int64) (*PointsCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &PointsCache{cache: c}, nil
}

// locationKey collapses a storage.Location into the uint64 ristretto's
// fast path expects, via a straight fnv64a hash over its three fields —
// the same "hash the lookup key into something cheap to compare" idea as
// the teacher's QueryCache.generateKey, minus the md5/hex overhead a
// fixed-width binary key doesn't need.
func locationKey(loc storage.Location) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	buf[0] = byte(loc.FileID)
	buf[1] = byte(loc.FileID >> 8)
	buf[2] = byte(loc.FileID >> 16)
	buf[3] = byte(loc.FileID >> 24)
	buf[4] = byte(loc.Size)
	buf[5] = byte(loc.Size >> 8)
	buf[6] = byte(loc.Size >> 16)
	buf[7] = byte(loc.Size >> 24)
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(loc.Offset >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

// Get returns the cached decode of loc, if present.
func (c *PointsCache) Get(loc storage.Location) (storage.Header, storage.AttributesID, [][]byte, bool) {
	v, found := c.cache.Get(locationKey(loc))
	if !found {
		atomic.AddUint64(&c.misses, 1)
		return storage.Header{}, 0, nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	e := v.(entry)
	return e.header, e.attrID, e.columns, true
}

// Set stores the decode of loc, costed by the total column payload size
// plus a fixed per-entry overhead for the header and slice bookkeeping.
func (c *PointsCache) Set(loc storage.Location, header storage.Header, attrID storage.AttributesID, columns [][]byte) {
	cost := int64(128)
	for _, col := range columns {
		cost += int64(len(col))
	}
	c.cache.SetWithTTL(locationKey(loc), entry{header: header, attrID: attrID, columns: columns}, cost, 0)
	c.cache.Wait()
}

// Invalidate drops loc from the cache. Called wherever a blob.Allocator
// unregisters loc's range — the cache has no visibility into the
// allocator itself, so whatever frees a location must invalidate it
// explicitly. internal/storage.Handler.Commit does not call this, and
// no code in the repository does.
func (c *PointsCache) Invalidate(loc storage.Location) {
	c.cache.Del(locationKey(loc))
}

// Stats reports cumulative hit/miss counts since creation.
type Stats struct {
	Hits   uint64
	Misses uint64
}

func (c *PointsCache) Stats() Stats {
	return Stats{Hits: atomic.LoadUint64(&c.hits), Misses: atomic.LoadUint64(&c.misses)}
}

// Close releases the underlying ristretto cache's background goroutines.
func (c *PointsCache) Close() {
	c.cache.Close()
}
