package storage

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/arx-os/pointstore/internal/blob"
	"github.com/arx-os/pointstore/internal/metrics"
	"github.com/arx-os/pointstore/pkg/ptlog"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

// Handler owns the single backing file and the in-memory allocator that
// describes its free space. It is not goroutine-safe by itself: per
// spec.md §5 a Handler is driven by exactly one goroutine (the storage
// event loop), and every other subsystem reaches it only through that
// loop's request pipe.
type Handler struct {
	path     string
	file     *os.File
	writable bool
	log      *ptlog.Logger

	allocator       *blob.Allocator
	freeMapLoc      Location
	attrConfigLoc   Location
	treeRegistryLoc Location
}

// Open opens the store file at path, creating and bootstrapping it if it
// does not exist. The returned Handler starts read-only; call
// UpgradeToWrite to allow mutation.
func Open(path string, log *ptlog.Logger) (*Handler, error) {
	h := &Handler{path: path, log: log}

	info, statErr := os.Stat(path)
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, pterrors.WrapIO(statErr, "stat store file")
	}
	if os.IsNotExist(statErr) {
		return h.bootstrap()
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, pterrors.WrapIO(err, "open store file")
	}
	h.file = f
	if err := h.loadRoot(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

// bootstrap creates a fresh store file: the root record's 128 bytes are
// permanently reserved at offset 0, then an empty tree registry and
// attribute-config table are committed so the file is immediately in a
// well-formed, re-openable state.
func (h *Handler) bootstrap() (*Handler, error) {
	f, err := os.OpenFile(h.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, pterrors.WrapIO(err, "create store file")
	}
	h.file = f
	h.writable = true
	h.allocator = blob.New()
	h.allocator.Register(blob.Size(RootRecordSize))

	if _, err := h.Commit(nil, nil, nil); err != nil {
		f.Close()
		os.Remove(h.path)
		return nil, err
	}
	h.writable = false
	return h, nil
}

func (h *Handler) loadRoot(fileSize int64) error {
	if fileSize < RootRecordSize {
		return pterrors.WrapFormat(pterrors.ErrInvariant, "store file smaller than root record")
	}
	buf := make([]byte, RootRecordSize)
	if _, err := h.file.ReadAt(buf, 0); err != nil {
		return pterrors.WrapIO(err, "read root record")
	}
	root, err := DeserializeRoot(buf)
	if err != nil {
		return err
	}

	freeMapPayload, err := h.readRaw(root.FreeSpaceMap)
	if err != nil {
		return pterrors.WrapFormat(err, "read free-space map")
	}
	allocator, err := blob.Deserialize(freeMapPayload)
	if err != nil {
		return err
	}

	h.allocator = allocator
	h.freeMapLoc = root.FreeSpaceMap
	h.attrConfigLoc = root.AttributeConfig
	h.treeRegistryLoc = root.TreeRegistry
	return nil
}

// UpgradeToWrite reopens the handler's file descriptor for read-write
// access. With truncate set, it discards the file first and re-bootstraps
// an empty store.
func (h *Handler) UpgradeToWrite(truncate bool) error {
	if h.writable {
		return nil
	}
	if h.file != nil {
		h.file.Close()
	}
	flags := os.O_RDWR
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(h.path, flags, 0o644)
	if err != nil {
		return pterrors.WrapIO(err, "upgrade store file to read-write")
	}
	h.file = f
	h.writable = true
	if truncate {
		h.allocator = blob.New()
		h.allocator.Register(blob.Size(RootRecordSize))
		h.freeMapLoc, h.attrConfigLoc, h.treeRegistryLoc = Location{}, Location{}, Location{}
		if _, err := h.Commit(nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the file descriptor. It does not flush or sync anything:
// every write this handler performs has already been handed to the file
// with WriteAt by the time it returns, and no fsync is ever issued.
func (h *Handler) Close() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// AttributeConfigLocation returns the current location of the
// attribute-config table, as recorded in the live root record.
func (h *Handler) AttributeConfigLocation() Location { return h.attrConfigLoc }

// TreeRegistryLocation returns the current location of the tree registry.
func (h *Handler) TreeRegistryLocation() Location { return h.treeRegistryLoc }

func (h *Handler) writeAt(loc Location, payload []byte) error {
	if _, err := h.file.WriteAt(payload, int64(loc.Offset)); err != nil {
		return pterrors.WrapIO(err, "write blob")
	}
	return nil
}

func (h *Handler) readRaw(loc Location) ([]byte, error) {
	buf := make([]byte, loc.Size)
	if _, err := h.file.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, pterrors.WrapIO(err, "read blob")
	}
	if err := checkBlobMagic(buf); err != nil {
		return nil, err
	}
	return buf[blobMagicSize:], nil
}

func framedBlob(payload []byte) []byte {
	buf := make([]byte, blobMagicSize+len(payload))
	writeBlobMagic(buf)
	copy(buf[blobMagicSize:], payload)
	return buf
}

func registerBlob(a *blob.Allocator, payload []byte) Location {
	off := a.Register(blob.Size(len(payload)))
	return Location{Size: uint32(len(payload)), Offset: uint64(off)}
}

// writeNewBlob registers space for payload against the live allocator and
// writes it immediately. Points and tree blobs are written this way: they
// become live storage the instant a later Commit makes them reachable from
// the tree registry, but the bytes themselves are written to the file
// (without an fsync) before this call returns.
func (h *Handler) writeNewBlob(kind string, payload []byte) (Location, error) {
	if !h.writable {
		return Location{}, pterrors.WrapIO(pterrors.ErrClosed, "write on read-only handler")
	}
	start := time.Now()
	framed := framedBlob(payload)
	loc := registerBlob(h.allocator, framed)
	if err := h.writeAt(loc, framed); err != nil {
		return Location{}, err
	}
	metrics.StorageWriteLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.BlobsWritten.WithLabelValues(kind).Inc()
	metrics.BytesAllocated.Set(float64(h.allocator.FileSize()))
	return loc, nil
}

// ReadRaw returns the payload of an arbitrary blob (tree data, a tree
// registry snapshot, an attribute-config table), with its magic prefix
// stripped and validated.
func (h *Handler) ReadRaw(loc Location) ([]byte, error) {
	start := time.Now()
	payload, err := h.readRaw(loc)
	metrics.StorageReadLatency.WithLabelValues("raw").Observe(time.Since(start).Seconds())
	return payload, err
}

// WriteTree persists an opaque, already-serialized tree or subtree blob.
func (h *Handler) WriteTree(data []byte) (Location, error) { return h.writeNewBlob("tree", data) }

const pointsBlobFixedOverhead = headerRecordSize + 4 + 4 // header + attrID + column count

// WritePoints persists a point blob: the fixed storage_header_t, the
// interned attribute-set id, and the raw attribute columns it describes.
// Each column's byte length is recorded inline so a reader can slice the
// payload without first resolving attrID through the attribute-config
// registry.
func (h *Handler) WritePoints(header Header, attrID AttributesID, columns [][]byte) (Location, error) {
	total := pointsBlobFixedOverhead + 4*len(columns)
	for _, c := range columns {
		total += len(c)
	}
	buf := make([]byte, total)
	off := 0
	copy(buf[off:off+headerRecordSize], header.Serialize())
	off += headerRecordSize
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(attrID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(columns)))
	off += 4
	lenTable := off
	off += 4 * len(columns)
	for i, c := range columns {
		binary.BigEndian.PutUint32(buf[lenTable+4*i:lenTable+4*i+4], uint32(len(c)))
		copy(buf[off:off+len(c)], c)
		off += len(c)
	}
	return h.writeNewBlob("points", buf)
}

// ReadPoints is the inverse of WritePoints.
func (h *Handler) ReadPoints(loc Location) (Header, AttributesID, [][]byte, error) {
	start := time.Now()
	payload, err := h.readRaw(loc)
	metrics.StorageReadLatency.WithLabelValues("points").Observe(time.Since(start).Seconds())
	if err != nil {
		return Header{}, 0, nil, err
	}
	if len(payload) < pointsBlobFixedOverhead {
		return Header{}, 0, nil, pterrors.WrapFormat(pterrors.ErrFormat, "points blob: short payload")
	}
	header, err := DeserializeHeader(payload[:headerRecordSize])
	if err != nil {
		return Header{}, 0, nil, err
	}
	off := headerRecordSize
	attrID := AttributesID(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	numColumns := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	lenTable := off
	off += 4 * numColumns
	if off > len(payload) {
		return Header{}, 0, nil, pterrors.WrapFormat(pterrors.ErrFormat, "points blob: truncated column table")
	}
	columns := make([][]byte, numColumns)
	for i := 0; i < numColumns; i++ {
		l := int(binary.BigEndian.Uint32(payload[lenTable+4*i : lenTable+4*i+4]))
		if off+l > len(payload) {
			return Header{}, 0, nil, pterrors.WrapFormat(pterrors.ErrFormat, "points blob: truncated column")
		}
		columns[i] = payload[off : off+l]
		off += l
	}
	return header, attrID, columns, nil
}

// Commit is the three-phase update that keeps the root record consistent:
// it stages a private clone of the allocator, frees the blobs being
// replaced, re-registers and rewrites the free-space map and
// attribute-config table against that clone, and only on success publishes
// a fresh root record and swaps the clone in as the live allocator. A
// failure at any point leaves the live state, and the on-disk root record,
// untouched.
//
// newTreeRegistry is the fully serialized tree registry to publish;
// oldTreeRegistryLocs are the locations it replaces (nil on first commit).
// newAttrConfig is the fully serialized attribute-config table; nil keeps
// the handler's current one unless this is the first commit, where nil
// means "start empty".
func (h *Handler) Commit(newTreeRegistry []byte, oldTreeRegistryLocs []Location, newAttrConfig []byte) (Location, error) {
	if !h.writable {
		return Location{}, pterrors.WrapIO(pterrors.ErrClosed, "commit on read-only handler")
	}

	start := time.Now()
	staging := h.allocator.Clone()
	for _, loc := range oldTreeRegistryLocs {
		staging.Unregister(blob.Offset(loc.Offset), blob.Size(loc.Size))
		metrics.BlobsFreed.WithLabelValues("tree_registry").Inc()
	}
	if !h.freeMapLoc.empty() {
		staging.Unregister(blob.Offset(h.freeMapLoc.Offset), blob.Size(h.freeMapLoc.Size))
	}
	if newAttrConfig != nil && !h.attrConfigLoc.empty() {
		staging.Unregister(blob.Offset(h.attrConfigLoc.Offset), blob.Size(h.attrConfigLoc.Size))
	}

	treeRegFramed := framedBlob(newTreeRegistry)
	treeRegLoc := registerBlob(staging, treeRegFramed)

	attrLoc := h.attrConfigLoc
	attrFramed := []byte(nil)
	if newAttrConfig != nil {
		attrFramed = framedBlob(newAttrConfig)
		attrLoc = registerBlob(staging, attrFramed)
	}

	// The free-space map describes itself, so its own blob size can't be
	// known until after it is registered. Serialize once to get an
	// upper-bound length (registering can only shrink or remove a free
	// section, never add one), reserve that many bytes, then serialize
	// again against the final state and pad the unused tail — Deserialize
	// only reads as many entries as the header's counts describe, so the
	// padding is never touched.
	provisional := framedBlob(staging.Serialize())
	freeLoc := registerBlob(staging, make([]byte, len(provisional)))
	final := framedBlob(staging.Serialize())
	if len(final) > len(provisional) {
		return Location{}, pterrors.WrapFormat(pterrors.ErrInvariant, "free-space map grew after reserving its own blob")
	}
	padded := make([]byte, len(provisional))
	copy(padded, final)
	freeLoc.Size = uint32(len(padded))

	if err := h.writeAt(treeRegLoc, treeRegFramed); err != nil {
		return Location{}, err
	}
	if attrFramed != nil {
		if err := h.writeAt(attrLoc, attrFramed); err != nil {
			return Location{}, err
		}
	}
	if err := h.writeAt(freeLoc, padded); err != nil {
		return Location{}, err
	}

	root := RootRecord{FreeSpaceMap: freeLoc, AttributeConfig: attrLoc, TreeRegistry: treeRegLoc}
	if _, err := h.file.WriteAt(root.Serialize(), 0); err != nil {
		return Location{}, pterrors.WrapIO(err, "write root record")
	}

	h.allocator = staging
	h.freeMapLoc = freeLoc
	h.attrConfigLoc = attrLoc
	h.treeRegistryLoc = treeRegLoc

	metrics.StorageWriteLatency.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	metrics.BlobsWritten.WithLabelValues("tree_registry").Inc()
	if attrFramed != nil {
		metrics.BlobsWritten.WithLabelValues("attr_config").Inc()
	}
	metrics.BlobsWritten.WithLabelValues("root").Inc()
	metrics.BytesAllocated.Set(float64(h.allocator.FileSize()))
	return treeRegLoc, nil
}
