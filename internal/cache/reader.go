package cache

import "github.com/arx-os/pointstore/internal/storage"

// CachedReader wraps an internal/storage.Handler with a PointsCache,
// grounded on the same sites spec.md §4.15 names: LOD generation and the
// frustum walker both re-read the same hot nodes across many requests.
type CachedReader struct {
	handler *storage.Handler
	cache   *PointsCache
}

// NewCachedReader wraps handler with a PointsCache budgeted at maxCost
// bytes.
func NewCachedReader(handler *storage.Handler, maxCost int64) (*CachedReader, error) {
	c, err := New(maxCost)
	if err != nil {
		return nil, err
	}
	return &CachedReader{handler: handler, cache: c}, nil
}

// ReadPoints returns the decoded points blob at loc, served from cache
// when present.
func (r *CachedReader) ReadPoints(loc storage.Location) (storage.Header, storage.AttributesID, [][]byte, error) {
	if header, attrID, columns, ok := r.cache.Get(loc); ok {
		return header, attrID, columns, nil
	}
	header, attrID, columns, err := r.handler.ReadPoints(loc)
	if err != nil {
		return storage.Header{}, 0, nil, err
	}
	r.cache.Set(loc, header, attrID, columns)
	return header, attrID, columns, nil
}

// Invalidate drops loc from the cache — call this alongside any
// blob.Allocator.Unregister of loc's range so a stale decode never
// outlives the blob it was read from.
func (r *CachedReader) Invalidate(loc storage.Location) {
	r.cache.Invalidate(loc)
}

// Stats reports the wrapped cache's cumulative hit/miss counters.
func (r *CachedReader) Stats() Stats {
	return r.cache.Stats()
}

// Close releases the wrapped cache's background goroutines. The
// underlying handler is left open — callers own its lifecycle.
func (r *CachedReader) Close() {
	r.cache.Close()
}
