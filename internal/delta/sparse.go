// Implements sparse array deltas: a change bitmask plus the changed values.

package delta

import (
	"encoding/binary"
	"math/bits"
)

// Element is an array element type supported by [Sparse].
type Element interface {
	~uint8 | ~int32
}

// Sparse is the delta between two arrays of n elements.
//
// Bit i of the mask (byte i/8, bit i%8, least significant first) is set when
// element i changed. values holds the destination value of every set bit in
// ascending index order, so popcount(mask) == len(values) always holds.
type Sparse[T Element] struct {
	n      int
	mask   []byte
	values []T
}

// SparseBytes is a per-byte sparse delta.
type SparseBytes = Sparse[byte]

// SparseWords is a per-word sparse delta over 32-bit integers.
type SparseWords = Sparse[int32]

// DiffBytes returns the delta turning src into dst.
func DiffBytes(src, dst []byte) (SparseBytes, error) {
	return diffSparse(src, dst)
}

// FullBytes returns a delta writing every element of dst.
func FullBytes(dst []byte) SparseBytes {
	return fullSparse(dst)
}

// DiffWords returns the delta turning src into dst.
func DiffWords(src, dst []int32) (SparseWords, error) {
	return diffSparse(src, dst)
}

// FullWords returns a delta writing every element of dst.
func FullWords(dst []int32) SparseWords {
	return fullSparse(dst)
}

func diffSparse[T Element](src, dst []T) (Sparse[T], error) {
	if len(src) != len(dst) {
		return Sparse[T]{}, schemaMismatch("array length %d does not match %d", len(src), len(dst))
	}
	s := Sparse[T]{n: len(dst), mask: make([]byte, maskLen(len(dst)))}
	for i := range dst {
		if src[i] != dst[i] {
			s.mask[i>>3] |= 1 << (i & 7)
			s.values = append(s.values, dst[i])
		}
	}
	return s, nil
}

func fullSparse[T Element](dst []T) Sparse[T] {
	s := Sparse[T]{n: len(dst), mask: make([]byte, maskLen(len(dst))), values: append([]T(nil), dst...)}
	for i := range s.mask {
		s.mask[i] = 0xFF
	}
	// Clear bits past n in the last mask byte.
	if r := len(dst) & 7; r != 0 {
		s.mask[len(s.mask)-1] = byte(1<<r) - 1
	}
	return s
}

// Len returns the number of elements the delta applies to.
func (s Sparse[T]) Len() int {
	return s.n
}

// Changed returns the number of changed elements.
func (s Sparse[T]) Changed() int {
	return len(s.values)
}

// IsZero reports whether the delta changes nothing.
func (s Sparse[T]) IsZero() bool {
	return len(s.values) == 0
}

// IsSet reports whether element i changed.
func (s Sparse[T]) IsSet(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.mask[i>>3]&(1<<(i&7)) != 0
}

// Mask returns a copy of the change bitmask.
func (s Sparse[T]) Mask() []byte {
	return append([]byte(nil), s.mask...)
}

// Values returns a copy of the changed values in ascending index order.
func (s Sparse[T]) Values() []T {
	return append([]T(nil), s.values...)
}

// Apply overwrites the changed elements of target. Elements outside the mask
// are left untouched.
func (s Sparse[T]) Apply(target []T) error {
	if len(target) != s.n {
		return schemaMismatch("target has %d elements, delta expects %d", len(target), s.n)
	}
	k := 0
	for i, m := range s.mask {
		for m != 0 {
			b := bits.TrailingZeros8(m)
			target[i<<3+b] = s.values[k]
			k++
			m &= m - 1
		}
	}
	return nil
}

// groupLen is the encoded size of the delta without its u32 length prefix.
func (s Sparse[T]) groupLen(width int) int {
	return len(s.mask) + width*len(s.values)
}

func maskLen(n int) int {
	return (n + 7) / 8
}

func popcount(mask []byte) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

//

func appendSparseBytes(b []byte, s SparseBytes) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(s.groupLen(1)))
	b = append(b, s.mask...)
	return append(b, s.values...)
}

func appendSparseWords(b []byte, s SparseWords) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(s.groupLen(4)))
	b = append(b, s.mask...)
	for _, v := range s.values {
		b = binary.BigEndian.AppendUint32(b, uint32(v))
	}
	return b
}

// decodeMask validates the mask part of a group for n elements and returns
// a copy of it along with the expected number of values.
func decodeMask(group []byte, n int, what string) ([]byte, int, error) {
	ml := maskLen(n)
	if len(group) < ml {
		return nil, 0, malformed("%s: group of %d bytes is shorter than its %d byte mask", what, len(group), ml)
	}
	mask := append([]byte(nil), group[:ml]...)
	if r := n & 7; r != 0 && mask[ml-1]>>r != 0 {
		return nil, 0, malformed("%s: mask has bits set past element %d", what, n)
	}
	return mask, popcount(mask), nil
}

func decodeSparseBytes(group []byte, n int, what string) (SparseBytes, error) {
	mask, want, err := decodeMask(group, n, what)
	if err != nil {
		return SparseBytes{}, err
	}
	values := group[len(mask):]
	if len(values) != want {
		return SparseBytes{}, malformed("%s: mask has %d bits set but %d values follow", what, want, len(values)).
			WithDetail("array", what)
	}
	return SparseBytes{n: n, mask: mask, values: append([]byte(nil), values...)}, nil
}

func decodeSparseWords(group []byte, n int, what string) (SparseWords, error) {
	mask, want, err := decodeMask(group, n, what)
	if err != nil {
		return SparseWords{}, err
	}
	raw := group[len(mask):]
	if len(raw)%4 != 0 {
		return SparseWords{}, malformed("%s: %d value bytes is not a whole number of words", what, len(raw))
	}
	if len(raw)/4 != want {
		return SparseWords{}, malformed("%s: mask has %d bits set but %d values follow", what, want, len(raw)/4).
			WithDetail("array", what)
	}
	values := make([]int32, want)
	for i := range values {
		values[i] = int32(binary.BigEndian.Uint32(raw[i*4:]))
	}
	return SparseWords{n: n, mask: mask, values: values}, nil
}
