// Package registry implements the input registry: the dense map from an
// input's data id to its lifecycle state, the Morton-ordered scheduler
// that decides which input to read next, and the watermark the LOD
// generator trails behind.
package registry

import (
	"container/heap"
	"sync"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
)

// Source is one input's lifecycle state: an input_data_source_impl_t.
// sub-chunks of the same input share one Source, keyed by the input's
// data id; SubCount/InsertedCount track completion across all of them.
type Source struct {
	ID       uint32
	Filename string

	ApproxPointCount     uint64
	ApproxPointSizeBytes uint64
	MortonMin            morton.Code
	MortonMax            morton.Code

	AttributeID storage.AttributesID
	SubCount    uint32
	Inserted    uint32

	ReadStarted  bool
	ReadFinished bool

	Locations []storage.Location
}

// Done reports whether every sub-chunk of this input has been both fully
// read and fully inserted into the tree.
func (s *Source) Done() bool { return s.ReadFinished && s.Inserted == s.SubCount }

type inputHeap []*Source

func (h inputHeap) Len() int            { return len(h) }
func (h inputHeap) Less(i, j int) bool  { return h[i].MortonMin.Less(h[j].MortonMin) }
func (h inputHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *inputHeap) Push(x interface{}) { *h = append(*h, x.(*Source)) }
func (h *inputHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Registry owns every input's lifecycle state plus the scheduler that
// decides admission order. It is mutex-protected: spec.md §5 has it
// consulted from the reader pipeline's worker goroutines as well as the
// tree loop.
type Registry struct {
	mu sync.Mutex

	sources map[uint32]*Source
	nextID  uint32

	unsorted inputHeap // not yet read_started, ordered by Morton-min
	sorted   []uint32  // admission order: ids popped off unsorted, in order

	activeApproxSize uint64
	budget           uint64
}

// New returns an empty registry with the given back-pressure budget (the
// reader pipeline's read_sort_active_approximate_size ceiling).
func New(budget uint64) *Registry {
	return &Registry{sources: make(map[uint32]*Source), budget: budget}
}

// RegisterInput creates a new Source for filename and returns its data id.
// The input starts outside the scheduler entirely: it only enters
// `unsorted` once PreInitComplete supplies its Morton bounds.
func (r *Registry) RegisterInput(filename string, subCount uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.sources[id] = &Source{ID: id, Filename: filename, SubCount: subCount}
	return id
}

// PreInitComplete records a pre_init worker's result and admits the input
// into the Morton-ordered scheduler. The reference implementation rebuilds
// `unsorted` as a fresh min-heap on every pre-init completion; a single
// heap.Push maintains the same ordering incrementally without the full
// rebuild's O(n) cost.
func (r *Registry) PreInitComplete(id uint32, approxCount, approxSizeBytes uint64, mortonMin, mortonMax morton.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.ApproxPointCount = approxCount
	src.ApproxPointSizeBytes = approxSizeBytes
	src.MortonMin = mortonMin
	src.MortonMax = mortonMax
	heap.Push(&r.unsorted, src)
}

// NextInputToProcess pops the Morton-ordered heap head and admits it for
// reading, provided admitting it would not push the in-flight
// approximate byte budget over the configured ceiling. A single input
// whose own size already exceeds the budget is still admitted when
// nothing else is in flight, so one oversized input can never deadlock
// the scheduler.
func (r *Registry) NextInputToProcess() (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unsorted) == 0 {
		return nil, false
	}
	top := r.unsorted[0]
	cost := top.ApproxPointCount * top.ApproxPointSizeBytes
	if r.activeApproxSize > 0 && r.activeApproxSize+cost > r.budget {
		return nil, false
	}
	heap.Pop(&r.unsorted)
	top.ReadStarted = true
	r.sorted = append(r.sorted, top.ID)
	r.activeApproxSize += cost
	return top, true
}

// RecordInsertion increments an input's inserted-sub-chunk count.
func (r *Registry) RecordInsertion(id uint32, attrID storage.AttributesID, loc storage.Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.AttributeID = attrID
	src.Locations = append(src.Locations, loc)
	src.Inserted++
	r.releaseIfDoneLocked(src)
}

// MarkReadFinished records that a reader has produced every batch for an
// input.
func (r *Registry) MarkReadFinished(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.ReadFinished = true
	r.releaseIfDoneLocked(src)
}

// CompleteRead finalizes sub_count once a reader has produced its last
// batch and marks the input read-finished in one step. The reader
// pipeline doesn't know how many sub-chunks a file will split into until
// convert_data finally returns zero, so — unlike the reference
// implementation's upfront split count — sub_count here is only known
// at the end of the read loop.
func (r *Registry) CompleteRead(id uint32, subCount uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	if !ok {
		return
	}
	src.SubCount = subCount
	src.ReadFinished = true
	r.releaseIfDoneLocked(src)
}

func (r *Registry) releaseIfDoneLocked(src *Source) {
	if src.Done() {
		cost := src.ApproxPointCount * src.ApproxPointSizeBytes
		if cost > r.activeApproxSize {
			r.activeApproxSize = 0
		} else {
			r.activeApproxSize -= cost
		}
	}
}

// GetDoneMorton returns the Morton-min of the most recently admitted
// input that is fully done (read-finished and every sub-chunk inserted),
// scanning admission order back-to-front for the first match. This value
// is the LOD generation watermark.
func (r *Registry) GetDoneMorton() (morton.Code, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sorted) - 1; i >= 0; i-- {
		src := r.sources[r.sorted[i]]
		if src.Done() {
			return src.MortonMin, true
		}
	}
	return morton.Code{}, false
}

// Get returns the Source registered under id.
func (r *Registry) Get(id uint32) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	return src, ok
}

// PendingCount returns how many inputs are still waiting in the
// Morton-ordered scheduler heap.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsorted)
}

// ActiveApproxSize returns the scheduler's current back-pressure total.
func (r *Registry) ActiveApproxSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeApproxSize
}
