// Implements the delta of one chunk section and its four light/block arrays.

package delta

import (
	"bytes"
	"encoding/binary"

	"github.com/maruel/mcad/internal/nbt"
)

// sectionArray names one fixed-size section array. The order of
// sectionArrays is the wire order.
type sectionArray struct {
	name string
	size int
}

var sectionArrays = [4]sectionArray{
	{"BlockLight", 2048},
	{"Blocks", 4096},
	{"Data", 2048},
	{"SkyLight", 2048},
}

// Section is the delta of one section, keyed by its Y index.
//
// A Section is either a Delete sentinel, meaning the destination has no
// section at Y, or a payload holding one sparse delta per array. A section
// created from scratch is a payload whose masks are all ones.
type Section struct {
	y      int8
	delete bool
	arrays [len(sectionArrays)]SparseBytes
}

// DiffSection returns the delta turning section src into dst. Both sections
// must have the same Y.
//
// Callers skip sections for which SectionsEqual reports true.
func DiffSection(src, dst nbt.Compound) (*Section, error) {
	srcY, err := sectionY(src)
	if err != nil {
		return nil, err
	}
	dstY, err := sectionY(dst)
	if err != nil {
		return nil, err
	}
	if srcY != dstY {
		return nil, schemaMismatch("section Y %d does not match %d", srcY, dstY)
	}
	srcArrays, err := sectionArraysOf(src, srcY)
	if err != nil {
		return nil, err
	}
	dstArrays, err := sectionArraysOf(dst, dstY)
	if err != nil {
		return nil, err
	}
	s := &Section{y: dstY}
	for i := range sectionArrays {
		if s.arrays[i], err = DiffBytes(srcArrays[i], dstArrays[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateSection returns a delta that writes every array of dst.
func CreateSection(dst nbt.Compound) (*Section, error) {
	y, err := sectionY(dst)
	if err != nil {
		return nil, err
	}
	arrays, err := sectionArraysOf(dst, y)
	if err != nil {
		return nil, err
	}
	s := &Section{y: y}
	for i, a := range arrays {
		s.arrays[i] = FullBytes(a)
	}
	return s, nil
}

// DeleteSection returns the sentinel removing the section at y.
func DeleteSection(y int8) *Section {
	return &Section{y: y, delete: true}
}

// SectionsEqual reports whether the four arrays of src and dst are byte
// identical.
func SectionsEqual(src, dst nbt.Compound) (bool, error) {
	srcY, err := sectionY(src)
	if err != nil {
		return false, err
	}
	dstY, err := sectionY(dst)
	if err != nil {
		return false, err
	}
	srcArrays, err := sectionArraysOf(src, srcY)
	if err != nil {
		return false, err
	}
	dstArrays, err := sectionArraysOf(dst, dstY)
	if err != nil {
		return false, err
	}
	for i := range sectionArrays {
		if !bytes.Equal(srcArrays[i], dstArrays[i]) {
			return false, nil
		}
	}
	return true, nil
}

// Y returns the section index.
func (s *Section) Y() int8 {
	return s.y
}

// IsDelete reports whether s is the Delete sentinel.
func (s *Section) IsDelete() bool {
	return s.delete
}

// Changed returns the number of bytes the delta writes.
func (s *Section) Changed() int {
	n := 0
	for _, a := range s.arrays {
		n += a.Changed()
	}
	return n
}

// Apply writes the delta onto target, a section compound with the four
// arrays, and returns it. Delete sentinels are handled by the owning chunk.
func (s *Section) Apply(target nbt.Compound) (nbt.Compound, error) {
	if s.delete {
		return nil, schemaMismatch("section %d: cannot apply a delete sentinel to section contents", s.y)
	}
	arrays, err := sectionArraysOf(target, s.y)
	if err != nil {
		return nil, err
	}
	target.Put("Y", nbt.Byte(s.y))
	for i, a := range s.arrays {
		if err := a.Apply(arrays[i]); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// EncodedLen returns the size of the encoded section delta.
func (s *Section) EncodedLen() int {
	if s.delete {
		return 1
	}
	n := 1
	for _, a := range s.arrays {
		n += 4 + a.groupLen(1)
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Section) MarshalBinary() ([]byte, error) {
	return s.appendTo(make([]byte, 0, s.EncodedLen())), nil
}

func (s *Section) appendTo(b []byte) []byte {
	b = append(b, byte(s.y))
	if s.delete {
		return b
	}
	for _, a := range s.arrays {
		b = appendSparseBytes(b, a)
	}
	return b
}

// DecodeSection parses an encoded section delta. A single byte is the Delete
// sentinel.
func DecodeSection(data []byte) (*Section, error) {
	if len(data) == 0 {
		return nil, malformed("empty section delta")
	}
	s := &Section{y: int8(data[0])}
	if len(data) == 1 {
		s.delete = true
		return s, nil
	}
	rest := data[1:]
	for i, sa := range sectionArrays {
		group, tail, err := splitGroup(rest, sa.name)
		if err != nil {
			return nil, err
		}
		if s.arrays[i], err = decodeSparseBytes(group, sa.size, sa.name); err != nil {
			return nil, err
		}
		rest = tail
	}
	if len(rest) != 0 {
		return nil, malformed("section %d: %d trailing bytes", s.y, len(rest))
	}
	return s, nil
}

// splitGroup reads a u32 length prefix and returns the group it covers and
// the remaining bytes.
func splitGroup(data []byte, what string) (group, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, malformed("%s: truncated length", what)
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-4) {
		return nil, nil, malformed("%s: length %d exceeds the %d bytes left", what, n, len(data)-4)
	}
	return data[4 : 4+n], data[4+n:], nil
}

// newSectionTag returns a section at y with zero-filled arrays.
func newSectionTag(y int8) nbt.Compound {
	c := nbt.Compound{"Y": nbt.Byte(y)}
	for _, sa := range sectionArrays {
		c.Put(sa.name, make(nbt.ByteArray, sa.size))
	}
	return c
}

func sectionY(c nbt.Compound) (int8, error) {
	y, ok := c.GetByte("Y")
	if !ok {
		return 0, schemaMismatch("section has no Y byte")
	}
	return y, nil
}

// sectionArraysOf returns the four arrays of a section, aliasing the tag's
// storage.
func sectionArraysOf(c nbt.Compound, y int8) ([len(sectionArrays)][]byte, error) {
	var out [len(sectionArrays)][]byte
	for i, sa := range sectionArrays {
		a, ok := c.GetByteArray(sa.name)
		if !ok {
			return out, schemaMismatch("section %d has no %s array", y, sa.name).WithDetail("field", sa.name)
		}
		if len(a) != sa.size {
			return out, schemaMismatch("section %d %s has %d bytes, want %d", y, sa.name, len(a), sa.size).
				WithDetail("field", sa.name)
		}
		out[i] = a
	}
	return out, nil
}
