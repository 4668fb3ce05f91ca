// Package reader is the bounded-concurrency conversion pipeline spec.md
// §4.5 describes: a pre_init worker per input, a reader worker that
// drives init/convert_data once the input registry's scheduler admits
// it, and a sort worker per batch that Morton-encodes, sorts, and writes
// the result before handing it to the tree engine. The actual file
// format decode (LAS/LAZ or anything else) is explicitly out of scope
// (spec.md §1) — Callbacks is the pluggable external collaborator
// contract a concrete reader implements.
//
// Grounded on the teacher's worker-pool dispatch idiom
// (core/ingestion/ingestion_optimized.go, already generalized into
// internal/eventloop.Pool) and the reference implementation's
// reader.hpp/reader.cpp (get_data_worker_t → sort_worker_t → tree
// insertion pipeline) and sorter_p.h for the sort step's exact
// responsibilities (Morton-encode in place, sort, recompute header
// min/max/lod_span).
package reader

import (
	"context"
	"fmt"
	"sort"

	"github.com/arx-os/pointstore/internal/attributes"
	"github.com/arx-os/pointstore/internal/eventloop"
	"github.com/arx-os/pointstore/internal/metrics"
	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/octree"
	"github.com/arx-os/pointstore/internal/registry"
	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/ptlog"
)

// PreInitResult is pre_init's return value: an approximate point count
// and per-point size for the scheduler's back-pressure budget, and an
// optional Morton-min hint used to order admission.
type PreInitResult struct {
	ApproxPointCount     uint64
	ApproxPointSizeBytes uint64
	MortonMin            morton.Code
}

// Callbacks is the external reader contract (spec.md §6): pre_init,
// init, convert_data, destroy_user_ptr. positions is the leading
// position column already decoded to float64 triples (world space,
// pre-scale); columns holds every attribute column pre-serialized in
// the format declared by Init, positions' own serialized form included
// as columns[0].
type Callbacks struct {
	PreInit     func(path string) (PreInitResult, error)
	Init        func(path string, header *storage.Header) (userData interface{}, attrs storage.Attributes, err error)
	ConvertData func(userData interface{}, header *storage.Header, maxPoints int) (positions [][3]float64, columns [][]byte, pointsRead int, err error)
	Destroy     func(userData interface{})
}

// Hooks mirrors converter_add_runtime_callbacks(progress, warning,
// error, done) — logging-only in this port (spec.md §4.16 / SPEC_FULL.md
// §4.16), called from arbitrary pool goroutines.
type Hooks struct {
	Progress func(filename string, pointsRead, approxTotal uint64)
	Warning  func(filename string, err error)
	Error    func(filename string, err error)
	Done     func(filename string)
}

// Pipeline owns the worker pool, the tree-insertion loop, and the shared
// registries a conversion run needs.
type Pipeline struct {
	pool        *eventloop.Pool
	treeLoop    *eventloop.Loop
	sorted      *eventloop.Pipe[sortedBatch]
	inputs      *registry.Registry
	attrs       *attributes.Registry
	tree        *octree.Registry
	storageLoop *storage.Loop
	callbacks   Callbacks
	hooks       Hooks
	batchSize   int
	rootID      uint32
	log         *ptlog.Logger
}

type sortedBatch struct {
	inputID  uint32
	filename string
	header   storage.Header
	attrID   storage.AttributesID
	loc      storage.Location
}

// New wires a Pipeline over the given registries and storage loop.
// storageLoop is the single owner of the backing Handler (spec.md §5);
// the pipeline never touches a Handler directly, only through it.
// workers sizes the pool (internal/config.Config.WorkerPoolSize);
// batchSize is the convert_data target
// (internal/config.Config.ReaderBatchSize, default 20 000).
func New(storageLoop *storage.Loop, tree *octree.Registry, inputs *registry.Registry, attrs *attributes.Registry, callbacks Callbacks, hooks Hooks, workers, batchSize int, log *ptlog.Logger) *Pipeline {
	p := &Pipeline{
		pool:        eventloop.NewPool(workers),
		treeLoop:    eventloop.NewLoop(context.Background()),
		sorted:      eventloop.NewPipe[sortedBatch](),
		inputs:      inputs,
		attrs:       attrs,
		tree:        tree,
		storageLoop: storageLoop,
		callbacks:   callbacks,
		hooks:       hooks,
		batchSize:   batchSize,
		log:         log,
	}
	eventloop.RegisterPipe(p.treeLoop, p.sorted, p.insertBatch)
	go p.treeLoop.Run()
	return p
}

// RootID returns the tree id the pipeline has inserted into so far
// (octree.NoTree before the first batch lands).
func (p *Pipeline) RootID() uint32 { return p.rootID }

// Close stops the tree-insertion loop. In-flight worker-pool tasks are
// allowed to finish; their completions are simply never drained once
// the loop stops, matching spec.md §5's "no cancellation at the core
// level, in-flight tasks finish" contract.
func (p *Pipeline) Close() {
	p.treeLoop.Stop()
	p.pool.Stop()
}

// AddFile schedules path for pre_init on the worker pool. Admission
// into the reader proper happens once the input registry's scheduler
// has room.
func (p *Pipeline) AddFile(path string) {
	p.pool.Submit(func() { p.preInit(path) })
}

func (p *Pipeline) preInit(path string) {
	result, err := p.callbacks.PreInit(path)
	if err != nil {
		p.fail(path, fmt.Errorf("pre_init: %w", err))
		return
	}
	id := p.inputs.RegisterInput(path, 0)
	p.inputs.PreInitComplete(id, result.ApproxPointCount, result.ApproxPointSizeBytes, result.MortonMin, result.MortonMin)
	p.pump()
}

// pump drains as many admittable inputs as the scheduler currently
// allows, dispatching a reader worker for each. Called after every
// pre_init completion and after every input finishes, so back-pressure
// relief immediately admits the next candidate.
func (p *Pipeline) pump() {
	for {
		src, ok := p.inputs.NextInputToProcess()
		if !ok {
			return
		}
		src := src
		p.pool.Submit(func() { p.readFile(src) })
	}
}

func (p *Pipeline) readFile(src *registry.Source) {
	baseHeader := storage.NewHeader(storage.InputID{Data: src.ID})
	userData, attrs, err := p.callbacks.Init(src.Filename, &baseHeader)
	if err != nil {
		p.fail(src.Filename, fmt.Errorf("init: %w", err))
		return
	}
	defer p.callbacks.Destroy(userData)

	var approxTotal uint64
	var pointsRead uint64
	subCount := uint32(0)
	for {
		positions, columns, n, err := p.callbacks.ConvertData(userData, &baseHeader, p.batchSize)
		if err != nil {
			p.fail(src.Filename, fmt.Errorf("convert_data: %w", err))
			return
		}
		if n == 0 {
			break
		}
		subCount++
		pointsRead += uint64(n)
		approxTotal = src.ApproxPointCount
		if p.hooks.Progress != nil {
			p.hooks.Progress(src.Filename, pointsRead, approxTotal)
		}

		batchHeader := baseHeader
		batchHeader.InputID = storage.InputID{Data: src.ID, Sub: subCount}
		batchHeader.PointCount = uint32(n)

		p.pool.Submit(func() { p.sortAndWrite(src, attrs, batchHeader, positions[:n], columns) })
	}

	p.inputs.CompleteRead(src.ID, subCount)
	p.pump()
	if p.hooks.Done != nil {
		p.hooks.Done(src.Filename)
	}
}

// sortAndWrite is the sort_worker_t analogue: Morton-encode the batch in
// place (using the header's offset/scale, the same
// convert_pos_to_morton formula the reference implementation's
// morton_tree_coordinate_transform_p.h uses), permute every column by
// the resulting order, recompute header min/max/lod_span, write the
// blob, and hand the result to the tree-insertion loop.
func (p *Pipeline) sortAndWrite(src *registry.Source, attrs storage.Attributes, header storage.Header, positions [][3]float64, columns [][]byte) {
	n := len(positions)
	codes := make([]morton.Code, n)
	for i, pos := range positions {
		codes[i] = encodePosition(pos, header.Offset, header.Scale)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return codes[order[a]].Less(codes[order[b]]) })

	permuted := make([][]byte, len(columns))
	for ci, col := range columns {
		if ci >= len(attrs.Attributes) {
			permuted[ci] = col
			continue
		}
		stride := attrs.Attributes[ci].Format.Type.ElementSize() * int(attrs.Attributes[ci].Format.Components)
		if stride == 0 || len(col) != stride*n {
			permuted[ci] = col
			continue
		}
		out := make([]byte, len(col))
		for newPos, oldPos := range order {
			copy(out[newPos*stride:(newPos+1)*stride], col[oldPos*stride:(oldPos+1)*stride])
		}
		permuted[ci] = out
	}

	header.MortonMin = codes[order[0]]
	header.MortonMax = codes[order[n-1]]
	header.LodSpan = int32(morton.Lod(header.MortonMin, header.MortonMax))
	for _, pos := range positions {
		for axis := 0; axis < 3; axis++ {
			if pos[axis] < header.AABBMin[axis] {
				header.AABBMin[axis] = pos[axis]
			}
			if pos[axis] > header.AABBMax[axis] {
				header.AABBMax[axis] = pos[axis]
			}
		}
	}

	attrID := p.attrs.Intern(attrs, make(attributes.Accumulative, len(attrs.Attributes)))
	loc, err := p.storageLoop.WritePoints(header, attrID, permuted)
	if err != nil {
		p.fail(src.Filename, fmt.Errorf("write_points: %w", err))
		return
	}

	p.sorted.Send(sortedBatch{inputID: src.ID, filename: src.Filename, header: header, attrID: attrID, loc: loc})
}

// insertBatch is the tree loop's onBatch callback: it owns the tree
// registry exclusively, so every insertion for every input is serialized
// through here, matching spec.md §5's "tree insertions for a given
// input are serialised by the tree-handler loop".
func (p *Pipeline) insertBatch(batch []sortedBatch) {
	for _, b := range batch {
		subset := octree.Subset{
			Input:     b.header.InputID,
			AttrID:    b.attrID,
			Location:  b.loc,
			Offset:    0,
			Count:     b.header.PointCount,
			MortonMin: b.header.MortonMin,
			MortonMax: b.header.MortonMax,
		}
		if err := p.tree.Insert(&p.rootID, b.header, subset); err != nil {
			p.fail(b.filename, fmt.Errorf("tree insert: %w", err))
			continue
		}
		p.inputs.RecordInsertion(b.inputID, b.attrID, b.loc)
		metrics.PointsIngested.Add(float64(b.header.PointCount))
		if src, ok := p.inputs.Get(b.inputID); ok && src.Done() {
			metrics.InputsCompleted.Inc()
		}
	}
}

func (p *Pipeline) fail(filename string, err error) {
	metrics.InputsFailed.Inc()
	p.log.Error("reader: %s: %v", filename, err)
	if p.hooks.Error != nil {
		p.hooks.Error(filename, err)
	}
}

// encodePosition rounds (pos-offset)/scale to the nearest integer grid
// coordinate per axis before Morton-encoding, the Go-native reading of
// convert_pos_to_morton in the reference implementation's
// morton_tree_coordinate_transform_p.h.
func encodePosition(pos [3]float64, offset, scale [3]float64) morton.Code {
	ix := roundDiv(pos[0]-offset[0], scale[0])
	iy := roundDiv(pos[1]-offset[1], scale[1])
	iz := roundDiv(pos[2]-offset[2], scale[2])
	return morton.Encode(ix, iy, iz)
}

func roundDiv(numerator, denom float64) uint64 {
	if denom == 0 {
		return 0
	}
	v := numerator / denom
	if v < 0 {
		return 0
	}
	return uint64(v + 0.5)
}
