// Reads and writes tags in the big-endian NBT binary format.

package nbt

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
)

const (
	// maxDepth bounds compound/list nesting when decoding.
	maxDepth = 512
	// maxArrayLen bounds the element count of a single decoded array or list.
	maxArrayLen = 1 << 24
)

var (
	errNilTag        = errors.New("nil tag")
	errTooDeep       = errors.New("nbt nesting too deep")
	errNegativeLen   = errors.New("negative length")
	errLengthTooLong = errors.New("length exceeds limit")
	errTrailingBytes = errors.New("trailing bytes after tag")
)

// Write encodes a named tag to w.
func Write(w io.Writer, name string, t Tag) error {
	if t == nil {
		return errNilTag
	}
	bw := bufio.NewWriter(w)
	e := encoder{w: bw}
	e.byte(byte(t.Type()))
	e.string(name)
	e.payload(t)
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// Marshal encodes a named tag to bytes.
func Marshal(name string, t Tag) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, name, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read decodes one named tag from r.
func Read(r io.Reader) (string, Tag, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br, r = b, b
	}
	d := decoder{r: r, br: br}
	typ := TagType(d.byte())
	if d.err != nil {
		return "", nil, d.err
	}
	if typ == TagEnd {
		return "", nil, errors.New("unexpected end tag at top level")
	}
	name := d.string()
	t := d.payload(typ, 0)
	if d.err != nil {
		return "", nil, fmt.Errorf("failed to decode %q: %w", name, d.err)
	}
	return name, t, nil
}

// Unmarshal decodes a named tag that must span all of data.
func Unmarshal(data []byte) (string, Tag, error) {
	r := bytes.NewReader(data)
	name, t, err := Read(r)
	if err != nil {
		return "", nil, err
	}
	if r.Len() != 0 {
		return "", nil, errTrailingBytes
	}
	return name, t, nil
}

//

type encoder struct {
	w   *bufio.Writer
	err error
	tmp [8]byte
}

func (e *encoder) write(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) byte(b byte) {
	if e.err == nil {
		e.err = e.w.WriteByte(b)
	}
}

func (e *encoder) u16(v uint16) {
	binary.BigEndian.PutUint16(e.tmp[:2], v)
	e.write(e.tmp[:2])
}

func (e *encoder) u32(v uint32) {
	binary.BigEndian.PutUint32(e.tmp[:4], v)
	e.write(e.tmp[:4])
}

func (e *encoder) u64(v uint64) {
	binary.BigEndian.PutUint64(e.tmp[:8], v)
	e.write(e.tmp[:8])
}

func (e *encoder) string(s string) {
	if len(s) > math.MaxUint16 {
		if e.err == nil {
			e.err = fmt.Errorf("string of %d bytes is too long", len(s))
		}
		return
	}
	e.u16(uint16(len(s)))
	e.write([]byte(s))
}

func (e *encoder) payload(t Tag) {
	switch v := t.(type) {
	case Byte:
		e.byte(byte(v))
	case Short:
		e.u16(uint16(v))
	case Int:
		e.u32(uint32(v))
	case Long:
		e.u64(uint64(v))
	case Float:
		e.u32(math.Float32bits(float32(v)))
	case Double:
		e.u64(math.Float64bits(float64(v)))
	case ByteArray:
		e.u32(uint32(len(v)))
		e.write(v)
	case String:
		e.string(string(v))
	case IntArray:
		e.u32(uint32(len(v)))
		for _, x := range v {
			e.u32(uint32(x))
		}
	case LongArray:
		e.u32(uint32(len(v)))
		for _, x := range v {
			e.u64(uint64(x))
		}
	case *List:
		// Empty lists are always written with an End element type so that
		// equal trees encode identically.
		if v == nil || len(v.Items) == 0 {
			e.byte(byte(TagEnd))
			e.u32(0)
			return
		}
		e.byte(byte(v.Elem))
		e.u32(uint32(len(v.Items)))
		for i, it := range v.Items {
			if it == nil || it.Type() != v.Elem {
				if e.err == nil {
					e.err = fmt.Errorf("list item %d is not a %s", i, v.Elem)
				}
				return
			}
			e.payload(it)
		}
	case Compound:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			it := v[k]
			if it == nil {
				if e.err == nil {
					e.err = fmt.Errorf("compound entry %q: %w", k, errNilTag)
				}
				return
			}
			e.byte(byte(it.Type()))
			e.string(k)
			e.payload(it)
		}
		e.byte(byte(TagEnd))
	default:
		if e.err == nil {
			e.err = fmt.Errorf("unsupported tag %T", t)
		}
	}
}

type decoder struct {
	r   io.Reader
	br  io.ByteReader
	err error
	tmp [8]byte
}

func (d *decoder) full(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
		d.err = eofToUnexpected(err)
		return nil
	}
	return d.tmp[:n]
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.br.ReadByte()
	if err != nil {
		d.err = eofToUnexpected(err)
	}
	return b
}

func (d *decoder) u16() uint16 {
	if b := d.full(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.full(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.full(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) length() int {
	n := int32(d.u32())
	if d.err != nil {
		return 0
	}
	if n < 0 {
		d.err = errNegativeLen
		return 0
	}
	if n > maxArrayLen {
		d.err = errLengthTooLong
		return 0
	}
	return int(n)
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = eofToUnexpected(err)
		return nil
	}
	return b
}

func (d *decoder) string() string {
	n := int(d.u16())
	return string(d.bytes(n))
}

func (d *decoder) payload(typ TagType, depth int) Tag {
	if depth > maxDepth {
		d.err = errTooDeep
		return nil
	}
	switch typ {
	case TagByte:
		return Byte(int8(d.byte()))
	case TagShort:
		return Short(int16(d.u16()))
	case TagInt:
		return Int(int32(d.u32()))
	case TagLong:
		return Long(int64(d.u64()))
	case TagFloat:
		return Float(math.Float32frombits(d.u32()))
	case TagDouble:
		return Double(math.Float64frombits(d.u64()))
	case TagByteArray:
		return ByteArray(d.bytes(d.length()))
	case TagString:
		return String(d.string())
	case TagIntArray:
		n := d.length()
		out := make(IntArray, 0, min(n, 4096))
		for range n {
			if d.err != nil {
				return nil
			}
			out = append(out, int32(d.u32()))
		}
		return out
	case TagLongArray:
		n := d.length()
		out := make(LongArray, 0, min(n, 4096))
		for range n {
			if d.err != nil {
				return nil
			}
			out = append(out, int64(d.u64()))
		}
		return out
	case TagList:
		elem := TagType(d.byte())
		n := d.length()
		if d.err != nil {
			return nil
		}
		if elem > TagLongArray {
			d.err = fmt.Errorf("unknown list element type %d", elem)
			return nil
		}
		if elem == TagEnd && n != 0 {
			d.err = errors.New("non-empty list of End tags")
			return nil
		}
		l := &List{Elem: elem, Items: make([]Tag, 0, min(n, 4096))}
		for range n {
			it := d.payload(elem, depth+1)
			if d.err != nil {
				return nil
			}
			l.Items = append(l.Items, it)
		}
		return l
	case TagCompound:
		c := Compound{}
		for {
			t := TagType(d.byte())
			if d.err != nil {
				return nil
			}
			if t == TagEnd {
				return c
			}
			name := d.string()
			v := d.payload(t, depth+1)
			if d.err != nil {
				return nil
			}
			c[name] = v
		}
	default:
		d.err = fmt.Errorf("unknown tag type %d", typ)
		return nil
	}
}

func eofToUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
