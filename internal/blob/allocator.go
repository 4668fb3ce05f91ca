// Package blob implements the single-file blob allocator: a page-indexed
// free-space map over one logical backing file, used by the storage
// handler to carve out regions for point blobs, tree blobs, and the
// allocator's own serialised state.
package blob

import (
	"encoding/binary"
	"sort"

	"github.com/arx-os/pointstore/pkg/pterrors"
)

// PageSize is the logical page size the free-space map is indexed by. It
// is a policy lever, not a correctness requirement: changing it only
// changes how the free list is grouped on disk, never what ranges are
// free.
const PageSize = 100 * 1024 * 1024 // 100 MiB

// Offset is a byte offset into the backing file.
type Offset uint64

// Size is a byte length.
type Size uint64

// Page returns the page number containing offset.
func (o Offset) Page() uint64 { return uint64(o) / PageSize }

type section struct {
	offset Offset
	size   Size
}

func (s section) end() Offset { return s.offset + Offset(s.size) }

// Allocator tracks free space in a single logical file. It is not
// goroutine-safe by itself: per spec.md §5 the allocator is owned
// exclusively by the storage handler's event loop, and all other access
// goes through that loop's request pipe.
//
// Internally the free list is kept as one globally merged, offset-sorted
// slice rather than the reference implementation's per-page section
// vectors. This is a deliberate simplification: a free range spanning a
// page boundary is already merged in memory, so register/unregister never
// need the reference implementation's "spillover" bookkeeping to look
// across adjacent pages. The two are serialisation-compatible — free
// ranges are split back into per-page sections only in Serialize.
type Allocator struct {
	nextOffset Offset
	free       []section
}

// New returns an allocator over an initially empty file.
func New() *Allocator {
	return &Allocator{}
}

// NextOffset returns the current end of the logical file.
func (a *Allocator) NextOffset() Offset { return a.nextOffset }

// FileSize returns the current logical file size.
func (a *Allocator) FileSize() Size { return Size(a.nextOffset) }

// Register allocates a contiguous range of size bytes and returns its
// offset. It walks the free list in ascending offset order (equivalently,
// ascending page order) and takes the first section whose size is at
// least the request (first-fit). If none fits, it extends the file.
func (a *Allocator) Register(size Size) Offset {
	for i := range a.free {
		if a.free[i].size >= size {
			off := a.free[i].offset
			if a.free[i].size == size {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i].offset += Offset(size)
				a.free[i].size -= size
			}
			return off
		}
	}
	off := a.nextOffset
	a.nextOffset += Offset(size)
	return off
}

// Unregister frees the range [offset, offset+size). It merges with
// adjacent free sections and, when the freed range reaches the end of the
// file, shrinks NextOffset and drops the now-empty trailing sections.
//
// It reports false without modifying the allocator when the range exceeds
// NextOffset or overlaps an existing free section — following spec.md's
// resolution of the reference implementation's ambiguous behaviour here:
// a range that is merely *adjacent* to a free section is accepted and
// merged, not rejected.
func (a *Allocator) Unregister(offset Offset, size Size) bool {
	if size == 0 {
		return true
	}
	end := offset + Offset(size)
	if Offset(end) > a.nextOffset {
		return false
	}

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].offset >= offset })

	if i > 0 && a.free[i-1].end() > offset {
		return false // overlaps the previous section
	}
	if i < len(a.free) && end > a.free[i].offset {
		return false // overlaps the next section
	}

	merged := section{offset: offset, size: size}

	if i > 0 && a.free[i-1].end() == offset {
		i--
		merged = section{offset: a.free[i].offset, size: a.free[i].size + size}
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	if i < len(a.free) && merged.end() == a.free[i].offset {
		merged.size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	a.free = append(a.free, section{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = merged

	for len(a.free) > 0 {
		last := a.free[len(a.free)-1]
		if last.end() != a.nextOffset {
			break
		}
		a.nextOffset -= Offset(last.size)
		a.free = a.free[:len(a.free)-1]
	}

	return true
}

// FreeSectionCount returns the number of free sections after splitting at
// page boundaries, matching the reference implementation's
// get_free_sections_count: a free run that happens to span a page
// boundary counts once per page it touches.
func (a *Allocator) FreeSectionCount() int {
	count := 0
	for _, s := range a.free {
		count += pageSpan(s)
	}
	return count
}

func pageSpan(s section) int {
	if s.size == 0 {
		return 0
	}
	startPage := s.offset.Page()
	endPage := (s.offset + Offset(s.size) - 1).Page()
	return int(endPage-startPage) + 1
}

// PageCount returns the number of distinct pages touched by any free
// section.
func (a *Allocator) PageCount() int {
	pages := make(map[uint64]struct{})
	for _, s := range a.free {
		startPage := s.offset.Page()
		endPage := (s.offset + Offset(s.size) - 1).Page()
		for p := startPage; p <= endPage; p++ {
			pages[p] = struct{}{}
		}
	}
	return len(pages)
}

// Clone returns a deep copy, used by the storage handler's three-phase
// commit so a failed write never touches the live allocator.
func (a *Allocator) Clone() *Allocator {
	c := &Allocator{nextOffset: a.nextOffset}
	c.free = make([]section, len(a.free))
	copy(c.free, a.free)
	return c
}

// Equal reports whether two allocators describe the same free space,
// irrespective of internal representation.
func (a *Allocator) Equal(b *Allocator) bool {
	if a.nextOffset != b.nextOffset || len(a.free) != len(b.free) {
		return false
	}
	for i := range a.free {
		if a.free[i] != b.free[i] {
			return false
		}
	}
	return true
}

const sectionRecordSize = 16 // offset(8) + size(8)

// Serialize produces the on-disk free-space map: next_offset, page_count,
// then for every touched page its id, section count, and (offset, size)
// pairs local to that page. A free range spanning multiple pages is split
// at each page boundary; Deserialize re-merges adjacent pieces.
func (a *Allocator) Serialize() []byte {
	type pageGroup struct {
		page     uint64
		sections []section
	}
	var groups []pageGroup
	for _, s := range a.free {
		off := s.offset
		remaining := s.size
		for remaining > 0 {
			page := off.Page()
			pageEnd := Offset((page + 1) * PageSize)
			chunk := Size(pageEnd - off)
			if chunk > remaining {
				chunk = remaining
			}
			if len(groups) == 0 || groups[len(groups)-1].page != page {
				groups = append(groups, pageGroup{page: page})
			}
			g := &groups[len(groups)-1]
			g.sections = append(g.sections, section{offset: off, size: chunk})
			off += Offset(chunk)
			remaining -= chunk
		}
	}

	size := 16 // next_offset + page_count
	for _, g := range groups {
		size += 16 // page id + section count
		size += len(g.sections) * sectionRecordSize
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], uint64(a.nextOffset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(groups)))

	off := 16
	for _, g := range groups {
		binary.BigEndian.PutUint64(buf[off:off+8], g.page)
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(len(g.sections)))
		off += 16
		for _, s := range g.sections {
			binary.BigEndian.PutUint64(buf[off:off+8], uint64(s.offset))
			binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(s.size))
			off += sectionRecordSize
		}
	}
	return buf
}

// Deserialize reconstructs an allocator from Serialize's output,
// re-merging sections that were split across a page boundary purely for
// serialisation.
func Deserialize(data []byte) (*Allocator, error) {
	if len(data) < 16 {
		return nil, pterrors.WrapFormat(pterrors.ErrFormat, "free-space map: short header")
	}
	a := &Allocator{nextOffset: Offset(binary.BigEndian.Uint64(data[0:8]))}
	pageCount := binary.BigEndian.Uint64(data[8:16])

	off := 16
	for p := uint64(0); p < pageCount; p++ {
		if off+16 > len(data) {
			return nil, pterrors.WrapFormat(pterrors.ErrFormat, "free-space map: truncated page header")
		}
		sectionCount := binary.BigEndian.Uint64(data[off+8 : off+16])
		off += 16
		for s := uint64(0); s < sectionCount; s++ {
			if off+sectionRecordSize > len(data) {
				return nil, pterrors.WrapFormat(pterrors.ErrFormat, "free-space map: truncated section")
			}
			o := Offset(binary.BigEndian.Uint64(data[off : off+8]))
			sz := Size(binary.BigEndian.Uint64(data[off+8 : off+16]))
			off += sectionRecordSize

			if n := len(a.free); n > 0 && a.free[n-1].end() == o {
				a.free[n-1].size += sz
			} else {
				a.free = append(a.free, section{offset: o, size: sz})
			}
		}
	}
	return a, nil
}
