// Package morton implements the 192-bit Morton (Z-order) code arithmetic
// that keys every point, tree node and subtree in the store. It also
// carries the narrower 32/64/128-bit encodings used by the compact point
// formats (m32, m64, m128) so a point's position column can be stored at
// whatever precision its source data actually has.
package morton

import "math/bits"

// Code is a 192-bit Morton code held as three 64-bit words, least
// significant first. Bit 3*k+{0,1,2} carries the k-th level-of-detail bit
// of the (x,y,z) coordinate.
type Code struct {
	Lo, Mid, Hi uint64
}

// Zero is the additive identity / minimum code.
var Zero Code

// Max is the maximum representable code, all bits set.
var Max = Code{Lo: ^uint64(0), Mid: ^uint64(0), Hi: ^uint64(0)}

const (
	mask10 = 1<<10 - 1
	mask11 = 1<<11 - 1
	mask21 = 1<<21 - 1
	mask22 = 1<<22 - 1
)

// interleaveWord spreads the low xBits/yBits/zBits of x, y, z into a single
// 64-bit word: bit i of x lands at 3*i+0, bit i of y at 3*i+1, bit i of z
// at 3*i+2. The per-axis bit counts may differ, which is how a 64-bit word
// packs an uneven 22/21/21 split across three axes.
func interleaveWord(x, y, z uint64, xBits, yBits, zBits int) uint64 {
	var out uint64
	for i := 0; i < xBits; i++ {
		out |= ((x >> i) & 1) << (3*i + 0)
	}
	for i := 0; i < yBits; i++ {
		out |= ((y >> i) & 1) << (3*i + 1)
	}
	for i := 0; i < zBits; i++ {
		out |= ((z >> i) & 1) << (3*i + 2)
	}
	return out
}

// deinterleaveWord is the inverse of interleaveWord.
func deinterleaveWord(m uint64, xBits, yBits, zBits int) (x, y, z uint64) {
	for i := 0; i < xBits; i++ {
		x |= ((m >> (3*i + 0)) & 1) << i
	}
	for i := 0; i < yBits; i++ {
		y |= ((m >> (3*i + 1)) & 1) << i
	}
	for i := 0; i < zBits; i++ {
		z |= ((m >> (3*i + 2)) & 1) << i
	}
	return
}

// Encode packs a 64-bit-per-axis coordinate into a 192-bit Morton code. The
// extra interleaving bit rotates x -> y -> z across the Lo -> Mid -> Hi
// words (22/21/21, then 21/22/21, then 21/21/22) so each word is a full,
// self-contained 64-bit interleave.
func Encode(x, y, z uint64) Code {
	lo := interleaveWord(x&mask22, y&mask21, z&mask21, 22, 21, 21)
	mid := interleaveWord((x>>22)&mask21, (y>>21)&mask22, (z>>21)&mask21, 21, 22, 21)
	hi := interleaveWord(x>>43, y>>43, z>>42, 21, 21, 22)
	return Code{Lo: lo, Mid: mid, Hi: hi}
}

// Decode is the inverse of Encode.
func Decode(m Code) (x, y, z uint64) {
	xl, yl, zl := deinterleaveWord(m.Lo, 22, 21, 21)
	xm, ym, zm := deinterleaveWord(m.Mid, 21, 22, 21)
	xh, yh, zh := deinterleaveWord(m.Hi, 21, 21, 22)
	x = xl | xm<<22 | xh<<43
	y = yl | ym<<21 | yh<<43
	z = zl | zm<<21 | zh<<42
	return
}

// Encode64 packs a 22/21/21-bit coordinate into a single 64-bit Morton word
// (point format m64).
func Encode64(x, y, z uint32) uint64 {
	return interleaveWord(uint64(x)&mask22, uint64(y)&mask21, uint64(z)&mask21, 22, 21, 21)
}

// Decode64 is the inverse of Encode64.
func Decode64(m uint64) (x, y, z uint32) {
	xu, yu, zu := deinterleaveWord(m, 22, 21, 21)
	return uint32(xu), uint32(yu), uint32(zu)
}

// Encode128 packs a coordinate into a 128-bit Morton code, 43/43/42 bits
// per axis (point format m128), returned as (lo, hi) words.
func Encode128(x, y, z uint64) (lo, hi uint64) {
	lo = interleaveWord(x&mask22, y&mask21, z&mask21, 22, 21, 21)
	hi = interleaveWord((x>>22)&mask21, (y>>21)&mask22, (z>>21)&mask21, 21, 22, 21)
	return
}

// Decode128 is the inverse of Encode128.
func Decode128(lo, hi uint64) (x, y, z uint64) {
	xl, yl, zl := deinterleaveWord(lo, 22, 21, 21)
	xh, yh, zh := deinterleaveWord(hi, 21, 22, 21)
	x = xl | xh<<22
	y = yl | yh<<21
	z = zl | zh<<21
	return
}

// Encode32 packs an 11/11/10-bit coordinate into a 32-bit Morton word
// (point format m32).
func Encode32(x, y, z uint32) uint32 {
	return uint32(interleaveWord(uint64(x)&mask11, uint64(y)&mask11, uint64(z)&mask10, 11, 11, 10))
}

// Decode32 is the inverse of Encode32.
func Decode32(m uint32) (x, y, z uint32) {
	xu, yu, zu := deinterleaveWord(uint64(m), 11, 11, 10)
	return uint32(xu), uint32(yu), uint32(zu)
}

// Xor returns a ^ b component-wise.
func (a Code) Xor(b Code) Code {
	return Code{Lo: a.Lo ^ b.Lo, Mid: a.Mid ^ b.Mid, Hi: a.Hi ^ b.Hi}
}

// And returns a & b component-wise.
func (a Code) And(b Code) Code {
	return Code{Lo: a.Lo & b.Lo, Mid: a.Mid & b.Mid, Hi: a.Hi & b.Hi}
}

// Or returns a | b component-wise.
func (a Code) Or(b Code) Code {
	return Code{Lo: a.Lo | b.Lo, Mid: a.Mid | b.Mid, Hi: a.Hi | b.Hi}
}

// Negate returns the bitwise complement of a.
func (a Code) Negate() Code {
	return Code{Lo: ^a.Lo, Mid: ^a.Mid, Hi: ^a.Hi}
}

// Add returns a + b as a 192-bit wrapping sum, propagating carries between
// words.
func (a Code) Add(b Code) Code {
	lo, carryLo := bits.Add64(a.Lo, b.Lo, 0)
	mid, carryMid := bits.Add64(a.Mid, b.Mid, carryLo)
	hi, _ := bits.Add64(a.Hi, b.Hi, carryMid)
	return Code{Lo: lo, Mid: mid, Hi: hi}
}

// AddOne returns a + 1.
func (a Code) AddOne() Code {
	if a.Lo == ^uint64(0) {
		if a.Mid == ^uint64(0) {
			return Code{Lo: 0, Mid: 0, Hi: a.Hi + 1}
		}
		return Code{Lo: 0, Mid: a.Mid + 1, Hi: a.Hi}
	}
	return Code{Lo: a.Lo + 1, Mid: a.Mid, Hi: a.Hi}
}

// IsZero reports whether every word is zero.
func (a Code) IsZero() bool {
	return a.Lo == 0 && a.Mid == 0 && a.Hi == 0
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b,
// comparing the high word first (lexicographic, matching the store's
// required Morton ordering).
func (a Code) Compare(b Code) int {
	if a.Hi != b.Hi {
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	}
	if a.Mid != b.Mid {
		if a.Mid < b.Mid {
			return -1
		}
		return 1
	}
	if a.Lo != b.Lo {
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a < b.
func (a Code) Less(b Code) bool { return a.Compare(b) < 0 }

// Msb returns the index (0-based) of the most significant set bit across
// all 192 bits, or 0 if the code is zero (matching the reference
// implementation's bit_scan_reverse convention of returning 0 for an
// all-zero low word).
func (a Code) Msb() int {
	if a.Hi != 0 {
		return 128 + bits.Len64(a.Hi) - 1
	}
	if a.Mid != 0 {
		return 64 + bits.Len64(a.Mid) - 1
	}
	if a.Lo != 0 {
		return bits.Len64(a.Lo) - 1
	}
	return 0
}

// ShiftRight returns a >> n, 0 <= n <= 192.
func (a Code) ShiftRight(n int) Code {
	if n <= 0 {
		return a
	}
	if n >= 192 {
		return Zero
	}
	words := [3]uint64{a.Lo, a.Mid, a.Hi}
	wordShift := n / 64
	bitShift := uint(n % 64)
	var out [3]uint64
	for i := 0; i < 3; i++ {
		src := i + wordShift
		if src >= 3 {
			continue
		}
		val := words[src] >> bitShift
		if bitShift > 0 && src+1 < 3 {
			val |= words[src+1] << (64 - bitShift)
		}
		out[i] = val
	}
	return Code{Lo: out[0], Mid: out[1], Hi: out[2]}
}

// ShiftLeft returns a << n, 0 <= n <= 192.
func (a Code) ShiftLeft(n int) Code {
	if n <= 0 {
		return a
	}
	if n >= 192 {
		return Zero
	}
	words := [3]uint64{a.Lo, a.Mid, a.Hi}
	wordShift := n / 64
	bitShift := uint(n % 64)
	var out [3]uint64
	for i := 2; i >= 0; i-- {
		src := i - wordShift
		if src < 0 {
			continue
		}
		val := words[src] << bitShift
		if bitShift > 0 && src-1 >= 0 {
			val |= words[src-1] >> (64 - bitShift)
		}
		out[i] = val
	}
	return Code{Lo: out[0], Mid: out[1], Hi: out[2]}
}

// LodFromMsb converts a bit index (as returned by Msb) to a level of
// detail: LOD groups bits in sets of three, one per axis.
func LodFromMsb(bitIndex int) int { return bitIndex / 3 }

// Lod returns the LOD at which a and b first differ, reading from the most
// significant bit down: the coarsest level of detail that still
// distinguishes the two codes.
func Lod(a, b Code) int { return LodFromMsb(a.Xor(b).Msb()) }

// MagnitudeFromLod returns the magnitude (group of five LODs) containing lod.
func MagnitudeFromLod(lod int) int { return lod / 5 }

// MagnitudeToLod returns the coarsest LOD covered by magnitude (the LOD at
// tree level 0 within that magnitude).
func MagnitudeToLod(magnitude int) int { return magnitude*5 + 4 }

// TreeLevelToLod converts a tree level (0..4) within magnitude to its LOD.
func TreeLevelToLod(magnitude, levelInTree int) int {
	return MagnitudeToLod(magnitude) - levelInTree
}

// ChildMask extracts the 3-bit child index (x-lsb, y, z-msb) that m selects
// at the given LOD.
func (a Code) ChildMask(lod int) uint8 {
	return uint8(a.ShiftRight(lod*3).Lo & 0x7)
}

// SetChildMask returns a copy of a with the 3-bit child index at lod
// replaced by mask.
func (a Code) SetChildMask(lod int, mask uint8) Code {
	pos := lod * 3
	clear := LowBitMask(3).ShiftLeft(pos).Negate()
	set := Code{Lo: uint64(mask & 0x7)}.ShiftLeft(pos)
	return a.And(clear).Or(set)
}

// LowBitMask returns a code with the low `bits` bits set (0 <= bits <= 192).
func LowBitMask(bits int) Code {
	if bits <= 0 {
		return Zero
	}
	if bits >= 192 {
		return Max
	}
	switch {
	case bits <= 64:
		return Code{Lo: low64Mask(bits)}
	case bits <= 128:
		return Code{Lo: ^uint64(0), Mid: low64Mask(bits - 64)}
	default:
		return Code{Lo: ^uint64(0), Mid: ^uint64(0), Hi: low64Mask(bits - 128)}
	}
}

func low64Mask(n int) uint64 {
	if n <= 0 {
		return 0
	}
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(n) - 1
}

// MaskCreate returns a mask covering the low 3*lod+3 bits, the set of bits
// significant at lod and every finer LOD.
func MaskCreate(lod int) Code { return LowBitMask(3*lod + 3) }

// MaskFromRange returns MaskCreate(Lod(a, b)).
func MaskFromRange(a, b Code) Code { return MaskCreate(Lod(a, b)) }

// Downcast truncates m to its low `words` 64-bit words (1, 2 or 3),
// discarding the rest.
func Downcast(m Code, words int) Code {
	switch words {
	case 1:
		return Code{Lo: m.Lo}
	case 2:
		return Code{Lo: m.Lo, Mid: m.Mid}
	default:
		return m
	}
}

// Upcast extends m, valid only in its low `words` words, back to 192 bits,
// filling the missing high words from min. Upcast(Downcast(m, words), words,
// min) reproduces m exactly when m's high words already equal min's.
func Upcast(m Code, words int, min Code) Code {
	switch words {
	case 1:
		return Code{Lo: m.Lo, Mid: min.Mid, Hi: min.Hi}
	case 2:
		return Code{Lo: m.Lo, Mid: m.Mid, Hi: min.Hi}
	default:
		return m
	}
}
