// Package storage implements the content-addressed single-file store: the
// 128-byte root record, the blob-level read/write API built on
// internal/blob's allocator, and the three-phase commit that keeps the
// root record, free-space map, and attribute-config table consistent.
package storage

import (
	"encoding/binary"
	"math"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

// Location addresses a blob within the logical file: (file_id, size,
// offset). file_id is reserved for a future multi-file extension and is
// always 0 today.
type Location struct {
	FileID uint32
	Size   uint32
	Offset uint64
}

// locationRecordSize is the on-disk size of a Location: u32 file_id + 4
// pad, u32 size + 4 pad, u64 offset — 24 bytes, matching spec.md §6.
const locationRecordSize = 24

func (l Location) empty() bool { return l.Size == 0 && l.Offset == 0 }

func putLocation(buf []byte, l Location) {
	binary.BigEndian.PutUint32(buf[0:4], l.FileID)
	binary.BigEndian.PutUint32(buf[8:12], l.Size)
	binary.BigEndian.PutUint64(buf[16:24], l.Offset)
}

func getLocation(buf []byte) Location {
	return Location{
		FileID: binary.BigEndian.Uint32(buf[0:4]),
		Size:   binary.BigEndian.Uint32(buf[8:12]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
	}
}

// InputID identifies an input file, or a chunk of one. Sub > 0 is a
// size-bounded chunk of a split input; the high bit of Sub marks a
// LOD-synthesised node rather than a leaf input.
type InputID struct {
	Data uint32
	Sub  uint32
}

const syntheticSubBit = uint32(1) << 31

// NewSyntheticInputID builds the InputID the LOD generator grafts a
// synthetic coarser node under: data identifies the tree, and seq
// distinguishes synthetic nodes from the same tree from one another. The
// high bit of Sub is reserved for this marker, so seq must fit in 31
// bits.
func NewSyntheticInputID(data, seq uint32) InputID {
	return InputID{Data: data, Sub: syntheticSubBit | seq}
}

// IsSynthetic reports whether id was produced by LOD generation rather
// than a reader.
func (id InputID) IsSynthetic() bool { return id.Sub&syntheticSubBit != 0 }

// Less gives InputID a total order matching the reference implementation's
// (data, then sub).
func (id InputID) Less(o InputID) bool {
	return id.Data < o.Data || (id.Data == o.Data && id.Sub < o.Sub)
}

// AttributesID is a stable handle into the attribute-config registry.
type AttributesID uint32

// FormatType tags the element type of a point attribute column.
type FormatType uint8

const (
	FormatU8 FormatType = iota
	FormatI8
	FormatU16
	FormatI16
	FormatU32
	FormatI32
	FormatM32
	FormatR32
	FormatU64
	FormatI64
	FormatM64
	FormatR64
	FormatM128
	FormatM192
)

// IsMorton reports whether t tags a Morton-coded position column.
func (t FormatType) IsMorton() bool {
	switch t {
	case FormatM32, FormatM64, FormatM128, FormatM192:
		return true
	default:
		return false
	}
}

// ElementSize returns the on-disk byte width of a single component of this
// format type.
func (t FormatType) ElementSize() int {
	switch t {
	case FormatU8, FormatI8:
		return 1
	case FormatU16, FormatI16:
		return 2
	case FormatU32, FormatI32, FormatM32, FormatR32:
		return 4
	case FormatU64, FormatI64, FormatM64, FormatR64:
		return 8
	case FormatM128:
		return 16
	case FormatM192:
		return 24
	default:
		return 0
	}
}

// PointFormat is (type, components): the wire format of one attribute
// column.
type PointFormat struct {
	Type       FormatType
	Components uint8
}

// Attribute is one (name, format) entry of an attribute set; the first
// attribute in a set is always the Morton position per spec.md §3.
type Attribute struct {
	Name   string
	Format PointFormat
}

// Attributes is an ordered attribute-set description, interned by value
// into a stable AttributesID by the attribute-config registry.
type Attributes struct {
	Attributes []Attribute
}

// Equal reports whether two attribute sets have identical names and
// formats in the same order, the identity condition spec.md §3 and §4.3
// require for interning.
func (a Attributes) Equal(b Attributes) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range a.Attributes {
		if a.Attributes[i] != b.Attributes[i] {
			return false
		}
	}
	return true
}

// Header is the storage_header_t persisted in front of every point blob.
type Header struct {
	InputID     InputID
	PointCount  uint32
	Offset      [3]float64
	Scale       [3]float64
	AABBMin     [3]float64
	AABBMax     [3]float64
	MortonMin   morton.Code
	MortonMax   morton.Code
	PointFormat PointFormat
	LodSpan     int32
}

// NewHeader returns a Header with the reference implementation's
// initial-bounds convention: min/max AABB set to +/- the largest
// representable value so the first real point always narrows it, and a
// Morton range set inverted (MortonMin = Max, MortonMax = Zero) for the
// same reason, with LodSpan at its maximum.
func NewHeader(id InputID) Header {
	h := Header{InputID: id, LodSpan: 255}
	for i := 0; i < 3; i++ {
		h.AABBMin[i] = math.MaxFloat64
		h.AABBMax[i] = -math.MaxFloat64
	}
	h.MortonMin = morton.Max
	h.MortonMax = morton.Zero
	return h
}

const headerRecordSize = 8 + 4 + 4 + 24 + 24 + 24 + 24 + 24 + 24 + 8 + 8 // = 176

// Serialize encodes a Header into its fixed-size on-disk layout.
func (h Header) Serialize() []byte {
	buf := make([]byte, headerRecordSize)
	off := 0
	binary.BigEndian.PutUint32(buf[off:off+4], h.InputID.Data)
	binary.BigEndian.PutUint32(buf[off+4:off+8], h.InputID.Sub)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], h.PointCount)
	off += 4
	off += 4 // padding
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(h.Offset[i]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(h.Scale[i]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(h.AABBMin[i]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint64(buf[off:off+8], math.Float64bits(h.AABBMax[i]))
		off += 8
	}
	putMorton(buf[off:off+24], h.MortonMin)
	off += 24
	putMorton(buf[off:off+24], h.MortonMax)
	off += 24
	buf[off] = byte(h.PointFormat.Type)
	buf[off+1] = h.PointFormat.Components
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(h.LodSpan))
	off += 8
	return buf
}

// DeserializeHeader is the inverse of Header.Serialize.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < headerRecordSize {
		return Header{}, pterrors.WrapFormat(pterrors.ErrFormat, "storage header: short buffer")
	}
	var h Header
	off := 0
	h.InputID.Data = binary.BigEndian.Uint32(buf[off : off+4])
	h.InputID.Sub = binary.BigEndian.Uint32(buf[off+4 : off+8])
	off += 8
	h.PointCount = binary.BigEndian.Uint32(buf[off : off+4])
	off += 8
	for i := 0; i < 3; i++ {
		h.Offset[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		h.Scale[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		h.AABBMin[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	for i := 0; i < 3; i++ {
		h.AABBMax[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	h.MortonMin = getMorton(buf[off : off+24])
	off += 24
	h.MortonMax = getMorton(buf[off : off+24])
	off += 24
	h.PointFormat.Type = FormatType(buf[off])
	h.PointFormat.Components = buf[off+1]
	off += 8
	h.LodSpan = int32(binary.BigEndian.Uint32(buf[off : off+4]))
	return h, nil
}

func putMorton(buf []byte, m morton.Code) {
	binary.BigEndian.PutUint64(buf[0:8], m.Lo)
	binary.BigEndian.PutUint64(buf[8:16], m.Mid)
	binary.BigEndian.PutUint64(buf[16:24], m.Hi)
}

func getMorton(buf []byte) morton.Code {
	return morton.Code{
		Lo:  binary.BigEndian.Uint64(buf[0:8]),
		Mid: binary.BigEndian.Uint64(buf[8:16]),
		Hi:  binary.BigEndian.Uint64(buf[16:24]),
	}
}
