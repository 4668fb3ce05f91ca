package octree

import (
	"encoding/binary"

	"github.com/arx-os/pointstore/internal/morton"
	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

type byteWriter struct{ buf []byte }

func (w *byteWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *byteWriter) i16(v int16)  { w.u16(uint16(v)) }
func (w *byteWriter) u16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *byteWriter) u32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *byteWriter) u64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); w.buf = append(w.buf, b[:]...) }
func (w *byteWriter) code(m morton.Code) {
	w.u64(m.Lo)
	w.u64(m.Mid)
	w.u64(m.Hi)
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) need(n int) error {
	if r.off+n > len(r.buf) {
		return pterrors.WrapFormat(pterrors.ErrFormat, "tree registry: truncated")
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) i16() (int16, error) {
	v, err := r.u16()
	return int16(v), err
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *byteReader) code() (morton.Code, error) {
	lo, err := r.u64()
	if err != nil {
		return morton.Code{}, err
	}
	mid, err := r.u64()
	if err != nil {
		return morton.Code{}, err
	}
	hi, err := r.u64()
	if err != nil {
		return morton.Code{}, err
	}
	return morton.Code{Lo: lo, Mid: mid, Hi: hi}, nil
}

func (w *byteWriter) subset(s Subset) {
	w.u32(s.Input.Data)
	w.u32(s.Input.Sub)
	w.u32(uint32(s.AttrID))
	w.u32(s.Location.FileID)
	w.u32(s.Location.Size)
	w.u64(s.Location.Offset)
	w.u32(s.Offset)
	w.u32(s.Count)
	w.code(s.MortonMin)
	w.code(s.MortonMax)
}

func (r *byteReader) subset() (Subset, error) {
	var s Subset
	var err error
	if s.Input.Data, err = r.u32(); err != nil {
		return s, err
	}
	if s.Input.Sub, err = r.u32(); err != nil {
		return s, err
	}
	attrID, err := r.u32()
	if err != nil {
		return s, err
	}
	s.AttrID = storage.AttributesID(attrID)
	if s.Location.FileID, err = r.u32(); err != nil {
		return s, err
	}
	if s.Location.Size, err = r.u32(); err != nil {
		return s, err
	}
	if s.Location.Offset, err = r.u64(); err != nil {
		return s, err
	}
	if s.Offset, err = r.u32(); err != nil {
		return s, err
	}
	if s.Count, err = r.u32(); err != nil {
		return s, err
	}
	if s.MortonMin, err = r.code(); err != nil {
		return s, err
	}
	if s.MortonMax, err = r.code(); err != nil {
		return s, err
	}
	return s, nil
}

func (w *byteWriter) nodeData(d NodeData) {
	w.u64(d.PointCount)
	w.code(d.MortonMin)
	w.code(d.MortonMax)
	w.u32(uint32(int32(d.LodSpan)))
	w.u32(uint32(len(d.Subsets)))
	for _, s := range d.Subsets {
		w.subset(s)
	}
}

func (r *byteReader) nodeData() (NodeData, error) {
	var d NodeData
	var err error
	if d.PointCount, err = r.u64(); err != nil {
		return d, err
	}
	if d.MortonMin, err = r.code(); err != nil {
		return d, err
	}
	if d.MortonMax, err = r.code(); err != nil {
		return d, err
	}
	lodSpan, err := r.u32()
	if err != nil {
		return d, err
	}
	d.LodSpan = int(int32(lodSpan))
	n, err := r.u32()
	if err != nil {
		return d, err
	}
	d.Subsets = make([]Subset, n)
	for i := uint32(0); i < n; i++ {
		if d.Subsets[i], err = r.subset(); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (w *byteWriter) tree(t *Tree) {
	w.u32(t.ID)
	w.u8(t.Magnitude)
	w.code(t.MortonMin)
	w.code(t.MortonMax)
	for level := 0; level < 5; level++ {
		n := len(t.Nodes[level])
		w.u32(uint32(n))
		for i := 0; i < n; i++ {
			w.u8(t.Nodes[level][i])
		}
		for i := 0; i < n; i++ {
			w.i16(t.Skips[level][i])
		}
		for i := 0; i < n; i++ {
			w.nodeData(t.Data[level][i])
		}
	}
	w.u32(uint32(len(t.SubTrees)))
	for _, id := range t.SubTrees {
		w.u32(id)
	}
}

func (r *byteReader) tree() (*Tree, error) {
	t := &Tree{}
	var err error
	if t.ID, err = r.u32(); err != nil {
		return nil, err
	}
	if t.Magnitude, err = r.u8(); err != nil {
		return nil, err
	}
	if t.MortonMin, err = r.code(); err != nil {
		return nil, err
	}
	if t.MortonMax, err = r.code(); err != nil {
		return nil, err
	}
	for level := 0; level < 5; level++ {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		t.Nodes[level] = make([]uint8, n)
		for i := uint32(0); i < n; i++ {
			if t.Nodes[level][i], err = r.u8(); err != nil {
				return nil, err
			}
		}
		t.Skips[level] = make([]int16, n)
		for i := uint32(0); i < n; i++ {
			if t.Skips[level][i], err = r.i16(); err != nil {
				return nil, err
			}
		}
		t.Data[level] = make([]NodeData, n)
		for i := uint32(0); i < n; i++ {
			if t.Data[level][i], err = r.nodeData(); err != nil {
				return nil, err
			}
		}
		t.LOD[level] = make([]*Subset, n)
	}
	subCount, err := r.u32()
	if err != nil {
		return nil, err
	}
	t.SubTrees = make([]uint32, subCount)
	for i := uint32(0); i < subCount; i++ {
		if t.SubTrees[i], err = r.u32(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Serialize encodes every tree in the registry as a count-prefixed list,
// the wire format spec.md §6 describes for the tree-registry blob.
// Published LOD entries are not written; Deserialize restores every LOD
// slot as nil.
func (r *Registry) Serialize() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &byteWriter{}
	w.u32(uint32(len(r.trees)))
	for _, t := range r.trees {
		w.tree(t)
	}
	return w.buf
}

// Deserialize rebuilds a Registry from a tree-registry blob, restoring
// nextID to one past the highest id seen so newly created trees never
// collide with a restored one.
func Deserialize(data []byte, nodeLimit uint32) (*Registry, error) {
	r := New(nodeLimit)
	rd := &byteReader{buf: data}
	count, err := rd.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		t, err := rd.tree()
		if err != nil {
			return nil, err
		}
		r.trees[t.ID] = t
		if t.ID >= r.nextID {
			r.nextID = t.ID + 1
		}
	}
	return r, nil
}
