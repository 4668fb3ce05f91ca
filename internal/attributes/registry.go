// Package attributes implements the attribute-config registry: interning
// attribute-set descriptions by value into stable ids, and the lazily
// built descriptors that tell the LOD generator how to carry attribute
// columns from a finer attribute set into a coarser one.
package attributes

import (
	"encoding/binary"
	"sync"

	"github.com/arx-os/pointstore/internal/storage"
	"github.com/arx-os/pointstore/pkg/pterrors"
)

// Accumulative gives, per attribute in a set, whether coarsening should
// aggregate source samples or simply take the first source sample. The
// core only needs the boolean; the aggregation rule itself lives in the
// LOD generator, which averages accumulative columns only when they are
// single-component r32. Every other column takes the first source
// sample, and there is no majority vote.
type Accumulative []bool

// LODMapping describes how attribute columns from one attribute set
// convert into a destination set's columns when generating a coarser
// LOD: for each source attribute index, the destination index it maps to
// by name, or -1 if the destination carries no matching attribute.
type LODMapping struct {
	Dest         storage.Attributes
	SourceToDest []int
}

// Registry is mutex-protected because it is consulted from both the
// reader pipeline's worker goroutines (interning each input's attribute
// set) and the tree loop (resolving LOD mappings), per spec.md §5's
// shared-resource policy.
type Registry struct {
	mu       sync.Mutex
	sets     []storage.Attributes
	accum    []Accumulative
	lodCache map[storage.AttributesID]map[storage.AttributesID]*LODMapping
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{lodCache: make(map[storage.AttributesID]map[storage.AttributesID]*LODMapping)}
}

// Intern returns the stable id for attrs, registering a new entry on the
// first request for a given value. Two sets with equal names and formats
// in the same order share an id; accumulative is only consulted the first
// time a given value is interned.
func (r *Registry) Intern(attrs storage.Attributes, accumulative Accumulative) storage.AttributesID {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sets {
		if existing.Equal(attrs) {
			return storage.AttributesID(i)
		}
	}
	r.sets = append(r.sets, attrs)
	acc := make(Accumulative, len(attrs.Attributes))
	copy(acc, accumulative)
	r.accum = append(r.accum, acc)
	return storage.AttributesID(len(r.sets) - 1)
}

// Get returns the attribute set registered under id.
func (r *Registry) Get(id storage.AttributesID) (storage.Attributes, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.sets) {
		return storage.Attributes{}, false
	}
	return r.sets[id], true
}

// Accumulative returns the per-attribute accumulative flags registered
// under id.
func (r *Registry) Accumulative(id storage.AttributesID) (Accumulative, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.accum) {
		return nil, false
	}
	return r.accum[id], true
}

// Count returns the number of distinct attribute sets interned so far.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// LODMappingFor returns the descriptor for carrying columns from src into
// dest, building and caching it on first request.
func (r *Registry) LODMappingFor(src, dest storage.AttributesID) (*LODMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if byDest, ok := r.lodCache[dest]; ok {
		if m, ok := byDest[src]; ok {
			return m, nil
		}
	}
	if int(src) >= len(r.sets) || int(dest) >= len(r.sets) {
		return nil, pterrors.WrapInput(pterrors.ErrNotFound, "unknown attribute set id")
	}

	srcAttrs := r.sets[src]
	destAttrs := r.sets[dest]
	mapping := &LODMapping{Dest: destAttrs, SourceToDest: make([]int, len(srcAttrs.Attributes))}
	for i, sa := range srcAttrs.Attributes {
		mapping.SourceToDest[i] = -1
		for j, da := range destAttrs.Attributes {
			if sa.Name == da.Name {
				mapping.SourceToDest[i] = j
				break
			}
		}
	}

	if r.lodCache[dest] == nil {
		r.lodCache[dest] = make(map[storage.AttributesID]*LODMapping)
	}
	r.lodCache[dest][src] = mapping
	return mapping, nil
}

// Serialize encodes the registry as a count-prefixed list of attribute
// sets, each a count-prefixed list of (name_len, name, format,
// components, accumulative).
func (r *Registry) Serialize() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf []byte
	var tmp [4]byte
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	putU32(uint32(len(r.sets)))
	for si, set := range r.sets {
		putU32(uint32(len(set.Attributes)))
		for ai, attr := range set.Attributes {
			putU32(uint32(len(attr.Name)))
			buf = append(buf, []byte(attr.Name)...)
			buf = append(buf, byte(attr.Format.Type), attr.Format.Components)
			var accum byte
			if r.accum[si][ai] {
				accum = 1
			}
			buf = append(buf, accum)
		}
	}
	return buf
}

// Deserialize is the inverse of Serialize.
func Deserialize(data []byte) (*Registry, error) {
	r := New()
	off := 0
	readU32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, pterrors.WrapFormat(pterrors.ErrFormat, "attribute config: truncated count")
		}
		v := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}

	numSets, err := readU32()
	if err != nil {
		return nil, err
	}
	for s := uint32(0); s < numSets; s++ {
		numAttrs, err := readU32()
		if err != nil {
			return nil, err
		}
		set := storage.Attributes{Attributes: make([]storage.Attribute, numAttrs)}
		acc := make(Accumulative, numAttrs)
		for a := uint32(0); a < numAttrs; a++ {
			nameLen, err := readU32()
			if err != nil {
				return nil, err
			}
			if off+int(nameLen)+3 > len(data) {
				return nil, pterrors.WrapFormat(pterrors.ErrFormat, "attribute config: truncated attribute")
			}
			name := string(data[off : off+int(nameLen)])
			off += int(nameLen)
			format := storage.PointFormat{Type: storage.FormatType(data[off]), Components: data[off+1]}
			off += 2
			acc[a] = data[off] != 0
			off++
			set.Attributes[a] = storage.Attribute{Name: name, Format: format}
		}
		r.sets = append(r.sets, set)
		r.accum = append(r.accum, acc)
	}
	return r, nil
}
