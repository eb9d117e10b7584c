// Package nbt implements the Named Binary Tag format used by Minecraft saves.
//
// Tags are plain Go values: scalar tags are named integer and float types,
// arrays are slices, [List] holds an element type plus its items, and
// [Compound] is a map keyed by tag name. Compounds are encoded with their
// keys sorted so that two semantically equal trees always encode to the same
// bytes; the delta codec relies on this to compare chunks byte-for-byte.
package nbt

import (
	"fmt"
)

// TagType is the one-byte tag identifier used on the wire.
type TagType byte

// Tag identifiers.
const (
	TagEnd TagType = iota
	TagByte
	TagShort
	TagInt
	TagLong
	TagFloat
	TagDouble
	TagByteArray
	TagString
	TagList
	TagCompound
	TagIntArray
	TagLongArray
)

var tagNames = [...]string{
	TagEnd:       "End",
	TagByte:      "Byte",
	TagShort:     "Short",
	TagInt:       "Int",
	TagLong:      "Long",
	TagFloat:     "Float",
	TagDouble:    "Double",
	TagByteArray: "ByteArray",
	TagString:    "String",
	TagList:      "List",
	TagCompound:  "Compound",
	TagIntArray:  "IntArray",
	TagLongArray: "LongArray",
}

func (t TagType) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("TagType(%d)", byte(t))
}

// Tag is implemented by every tag value.
type Tag interface {
	Type() TagType
}

// Byte is a signed 8-bit tag.
type Byte int8

// Short is a signed 16-bit tag.
type Short int16

// Int is a signed 32-bit tag.
type Int int32

// Long is a signed 64-bit tag.
type Long int64

// Float is a 32-bit IEEE 754 tag.
type Float float32

// Double is a 64-bit IEEE 754 tag.
type Double float64

// ByteArray is a length-prefixed array of bytes.
type ByteArray []byte

// String is a length-prefixed string.
type String string

// IntArray is a length-prefixed array of signed 32-bit integers.
type IntArray []int32

// LongArray is a length-prefixed array of signed 64-bit integers.
type LongArray []int64

// List is a homogeneous list of unnamed tags.
type List struct {
	Elem  TagType
	Items []Tag
}

// Compound is a set of named tags.
type Compound map[string]Tag

func (Byte) Type() TagType      { return TagByte }
func (Short) Type() TagType     { return TagShort }
func (Int) Type() TagType       { return TagInt }
func (Long) Type() TagType      { return TagLong }
func (Float) Type() TagType     { return TagFloat }
func (Double) Type() TagType    { return TagDouble }
func (ByteArray) Type() TagType { return TagByteArray }
func (String) Type() TagType    { return TagString }
func (IntArray) Type() TagType  { return TagIntArray }
func (LongArray) Type() TagType { return TagLongArray }
func (*List) Type() TagType     { return TagList }
func (Compound) Type() TagType  { return TagCompound }

// NewList returns a list of the given element type.
func NewList(elem TagType, items ...Tag) *List {
	return &List{Elem: elem, Items: items}
}

// Len returns the number of items.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// Append adds items to the list, adopting their type when the list is empty.
func (l *List) Append(items ...Tag) error {
	for _, it := range items {
		if len(l.Items) == 0 && l.Elem == TagEnd {
			l.Elem = it.Type()
		}
		if it.Type() != l.Elem {
			return fmt.Errorf("list of %s cannot hold %s", l.Elem, it.Type())
		}
		l.Items = append(l.Items, it)
	}
	return nil
}

// Get returns the named tag or nil.
func (c Compound) Get(name string) Tag {
	return c[name]
}

// Put sets the named tag, replacing any previous value.
func (c Compound) Put(name string, t Tag) {
	c[name] = t
}

// Delete removes the named tag if present.
func (c Compound) Delete(name string) {
	delete(c, name)
}

// GetByte returns the named Byte tag.
func (c Compound) GetByte(name string) (int8, bool) {
	v, ok := c[name].(Byte)
	return int8(v), ok
}

// GetInt returns the named Int tag.
func (c Compound) GetInt(name string) (int32, bool) {
	v, ok := c[name].(Int)
	return int32(v), ok
}

// GetLong returns the named Long tag.
func (c Compound) GetLong(name string) (int64, bool) {
	v, ok := c[name].(Long)
	return int64(v), ok
}

// GetString returns the named String tag.
func (c Compound) GetString(name string) (string, bool) {
	v, ok := c[name].(String)
	return string(v), ok
}

// GetByteArray returns the named ByteArray tag without copying it.
func (c Compound) GetByteArray(name string) ([]byte, bool) {
	v, ok := c[name].(ByteArray)
	return v, ok
}

// GetIntArray returns the named IntArray tag without copying it.
func (c Compound) GetIntArray(name string) ([]int32, bool) {
	v, ok := c[name].(IntArray)
	return v, ok
}

// GetList returns the named List tag.
func (c Compound) GetList(name string) (*List, bool) {
	v, ok := c[name].(*List)
	return v, ok && v != nil
}

// GetCompound returns the named Compound tag.
func (c Compound) GetCompound(name string) (Compound, bool) {
	v, ok := c[name].(Compound)
	return v, ok && v != nil
}

// Clone returns a deep copy of t. Nothing in the result aliases t.
func Clone(t Tag) Tag {
	switch v := t.(type) {
	case nil:
		return nil
	case ByteArray:
		return append(ByteArray(nil), v...)
	case IntArray:
		return append(IntArray(nil), v...)
	case LongArray:
		return append(LongArray(nil), v...)
	case *List:
		if v == nil {
			return (*List)(nil)
		}
		out := &List{Elem: v.Elem, Items: make([]Tag, len(v.Items))}
		for i, it := range v.Items {
			out.Items[i] = Clone(it)
		}
		return out
	case Compound:
		return v.Clone()
	default:
		// Scalars are values.
		return t
	}
}

// Clone returns a deep copy of the compound.
func (c Compound) Clone() Compound {
	if c == nil {
		return nil
	}
	out := make(Compound, len(c))
	for k, v := range c {
		out[k] = Clone(v)
	}
	return out
}

// Equal reports whether a and b encode to the same bytes.
func Equal(a, b Tag) bool {
	ab, err := Marshal("", a)
	if err != nil {
		return false
	}
	bb, err := Marshal("", b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
