// Implements the delta of one chunk: scalars, wholesale blobs, the height map
// and the section deltas.

package delta

import (
	"encoding/binary"
	"slices"

	"github.com/maruel/mcad/internal/nbt"
)

// Level field names.
const (
	fieldLevel            = "Level"
	fieldLightPopulated   = "LightPopulated"
	fieldTerrainPopulated = "TerrainPopulated"
	fieldVersion          = "V"
	fieldXPos             = "xPos"
	fieldZPos             = "zPos"
	fieldInhabitedTime    = "InhabitedTime"
	fieldLastUpdate       = "LastUpdate"
	fieldBiomes           = "Biomes"
	fieldHeightMap        = "HeightMap"
	fieldEntities         = "Entities"
	fieldTileEntities     = "TileEntities"
	fieldTileTicks        = "TileTicks"
	fieldSections         = "Sections"
)

const (
	biomesLen    = 256
	heightMapLen = 256
	// chunkHeaderLen is the fixed prefix of a chunk payload: three bytes, two
	// ints, two longs and the biomes.
	chunkHeaderLen = 3 + 2*4 + 2*8 + biomesLen
)

// Chunk is the delta of one chunk.
//
// A Chunk is either the Delete sentinel or a payload. A payload carries the
// destination value of every scalar, the destination blobs re-encoded
// wholesale, the height map delta and the section deltas.
type Chunk struct {
	delete bool

	lightPopulated   int8
	terrainPopulated int8
	version          int8
	xPos, zPos       int32
	inhabitedTime    int64
	lastUpdate       int64
	biomes           []byte

	// Encoded named list tags. tileTicks is nil when the destination has none.
	entities     []byte
	tileEntities []byte
	tileTicks    []byte

	heightMap SparseWords
	sections  []*Section
}

// DiffChunk returns the delta turning chunk root src into dst.
func DiffChunk(src, dst nbt.Compound) (*Chunk, error) {
	srcLevel, err := levelOf(src)
	if err != nil {
		return nil, err
	}
	dstLevel, err := levelOf(dst)
	if err != nil {
		return nil, err
	}
	c, dstHeightMap, dstSections, err := newChunkPayload(dstLevel)
	if err != nil {
		return nil, err
	}
	srcHeightMap, err := heightMapOf(srcLevel)
	if err != nil {
		return nil, err
	}
	if srcHeightMap == nil {
		return nil, schemaMismatch("source chunk has no %s", fieldHeightMap).WithDetail("field", fieldHeightMap)
	}
	if c.heightMap, err = DiffWords(srcHeightMap, dstHeightMap); err != nil {
		return nil, err
	}
	srcSections, err := sectionsOf(srcLevel)
	if err != nil {
		return nil, err
	}
	if srcSections == nil {
		return nil, schemaMismatch("source chunk has no %s", fieldSections).WithDetail("field", fieldSections)
	}
	if c.sections, err = reconcileSections(srcSections, dstSections); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateChunk returns the delta creating chunk root dst from nothing: the
// height map is diffed against zeros and every section is created.
func CreateChunk(dst nbt.Compound) (*Chunk, error) {
	dstLevel, err := levelOf(dst)
	if err != nil {
		return nil, err
	}
	c, dstHeightMap, dstSections, err := newChunkPayload(dstLevel)
	if err != nil {
		return nil, err
	}
	if c.heightMap, err = DiffWords(make([]int32, heightMapLen), dstHeightMap); err != nil {
		return nil, err
	}
	if c.sections, err = reconcileSections(nil, dstSections); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteChunk returns the sentinel removing a chunk.
func DeleteChunk() *Chunk {
	return &Chunk{delete: true}
}

// IsDelete reports whether c is the Delete sentinel.
func (c *Chunk) IsDelete() bool {
	return c.delete
}

// Pos returns the global chunk coordinates carried by the payload.
func (c *Chunk) Pos() (x, z int32) {
	return c.xPos, c.zPos
}

// HeightMap returns the height map delta.
func (c *Chunk) HeightMap() SparseWords {
	return c.heightMap
}

// Sections returns the section deltas in encoding order.
func (c *Chunk) Sections() []*Section {
	return slices.Clone(c.sections)
}

// newChunkPayload copies the destination scalars and blobs into a payload and
// returns the destination height map and sections for the caller to diff.
func newChunkPayload(level nbt.Compound) (*Chunk, []int32, []nbt.Compound, error) {
	r := levelReader{c: level}
	c := &Chunk{
		lightPopulated:   r.byte(fieldLightPopulated),
		terrainPopulated: r.byte(fieldTerrainPopulated),
		version:          r.byte(fieldVersion),
		xPos:             r.int(fieldXPos),
		zPos:             r.int(fieldZPos),
		inhabitedTime:    r.long(fieldInhabitedTime),
		lastUpdate:       r.long(fieldLastUpdate),
		biomes:           slices.Clone(r.byteArray(fieldBiomes, biomesLen)),
	}
	entities := r.list(fieldEntities)
	tileEntities := r.list(fieldTileEntities)
	if r.err != nil {
		return nil, nil, nil, r.err
	}
	heightMap, err := heightMapOf(level)
	if err != nil {
		return nil, nil, nil, err
	}
	if heightMap == nil {
		return nil, nil, nil, schemaMismatch("chunk has no %s", fieldHeightMap).WithDetail("field", fieldHeightMap)
	}
	sections, err := sectionsOf(level)
	if err != nil {
		return nil, nil, nil, err
	}
	if sections == nil {
		return nil, nil, nil, schemaMismatch("chunk has no %s", fieldSections).WithDetail("field", fieldSections)
	}
	if c.entities, err = encodeBlob(fieldEntities, entities); err != nil {
		return nil, nil, nil, err
	}
	if c.tileEntities, err = encodeBlob(fieldTileEntities, tileEntities); err != nil {
		return nil, nil, nil, err
	}
	if t := level.Get(fieldTileTicks); t != nil {
		l, ok := t.(*nbt.List)
		if !ok {
			return nil, nil, nil, schemaMismatch("%s is %s, want List", fieldTileTicks, t.Type()).WithDetail("field", fieldTileTicks)
		}
		if c.tileTicks, err = encodeBlob(fieldTileTicks, l); err != nil {
			return nil, nil, nil, err
		}
	}
	return c, heightMap, sections, nil
}

// reconcileSections emits diffs for sections in both lists, then creates
// for sections only in dst, then deletes for sections only in src.
func reconcileSections(src, dst []nbt.Compound) ([]*Section, error) {
	srcByY, err := indexSections(src)
	if err != nil {
		return nil, err
	}
	dstByY, err := indexSections(dst)
	if err != nil {
		return nil, err
	}
	var out []*Section
	for _, s := range src {
		srcY, _ := sectionY(s)
		d, ok := dstByY[srcY]
		if !ok {
			continue
		}
		same, err := SectionsEqual(s, d)
		if err != nil {
			return nil, err
		}
		if same {
			continue
		}
		sd, err := DiffSection(s, d)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	for _, d := range dst {
		dstY, _ := sectionY(d)
		if _, ok := srcByY[dstY]; ok {
			continue
		}
		sd, err := CreateSection(d)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	for _, s := range src {
		srcY, _ := sectionY(s)
		if _, ok := dstByY[srcY]; !ok {
			out = append(out, DeleteSection(srcY))
		}
	}
	return out, nil
}

func indexSections(sections []nbt.Compound) (map[int8]nbt.Compound, error) {
	m := make(map[int8]nbt.Compound, len(sections))
	for _, s := range sections {
		y, err := sectionY(s)
		if err != nil {
			return nil, err
		}
		if _, dup := m[y]; dup {
			return nil, schemaMismatch("duplicate section Y %d", y)
		}
		m[y] = s
	}
	return m, nil
}

// Apply writes the payload onto target, a chunk root with a Level compound,
// and returns it. The target is validated first and left untouched when an
// error is returned.
func (c *Chunk) Apply(target nbt.Compound) (nbt.Compound, error) {
	p, err := c.prepare(target)
	if err != nil {
		return nil, err
	}
	p.commit()
	return target, nil
}

// chunkApply holds everything needed to mutate a validated target.
type chunkApply struct {
	c            *Chunk
	level        nbt.Compound
	heightMap    []int32
	sections     []nbt.Compound
	entities     nbt.Tag
	tileEntities nbt.Tag
	tileTicks    nbt.Tag
}

// prepare validates target against c without mutating it.
func (c *Chunk) prepare(target nbt.Compound) (*chunkApply, error) {
	if c.delete {
		return nil, schemaMismatch("cannot apply a chunk delete sentinel")
	}
	level, err := levelOf(target)
	if err != nil {
		return nil, err
	}
	p := &chunkApply{c: c, level: level}
	if p.heightMap, err = heightMapOf(level); err != nil {
		return nil, err
	}
	if p.sections, err = sectionsOf(level); err != nil {
		return nil, err
	}
	if err := checkSections(p.sections, c.sections); err != nil {
		return nil, err
	}
	if p.entities, err = decodeBlob(fieldEntities, c.entities); err != nil {
		return nil, err
	}
	if p.tileEntities, err = decodeBlob(fieldTileEntities, c.tileEntities); err != nil {
		return nil, err
	}
	if c.tileTicks != nil {
		if p.tileTicks, err = decodeBlob(fieldTileTicks, c.tileTicks); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// commit mutates the validated target. Errors are impossible at this point:
// checkSections validated every section commit patches.
func (p *chunkApply) commit() {
	c, level := p.c, p.level
	level.Put(fieldLightPopulated, nbt.Byte(c.lightPopulated))
	level.Put(fieldTerrainPopulated, nbt.Byte(c.terrainPopulated))
	level.Put(fieldVersion, nbt.Byte(c.version))
	level.Put(fieldXPos, nbt.Int(c.xPos))
	level.Put(fieldZPos, nbt.Int(c.zPos))
	level.Put(fieldInhabitedTime, nbt.Long(c.inhabitedTime))
	level.Put(fieldLastUpdate, nbt.Long(c.lastUpdate))
	level.Put(fieldBiomes, nbt.ByteArray(slices.Clone(c.biomes)))
	level.Put(fieldEntities, p.entities)
	level.Put(fieldTileEntities, p.tileEntities)
	if p.tileTicks != nil {
		level.Put(fieldTileTicks, p.tileTicks)
	} else {
		level.Delete(fieldTileTicks)
	}

	heightMap := p.heightMap
	if heightMap == nil {
		heightMap = make([]int32, heightMapLen)
	}
	_ = c.heightMap.Apply(heightMap)
	level.Put(fieldHeightMap, nbt.IntArray(heightMap))

	sections := p.sections
	for _, sd := range c.sections {
		i := findSection(sections, sd.y)
		switch {
		case sd.delete:
			if i >= 0 {
				sections = slices.Delete(sections, i, i+1)
			}
		case i >= 0:
			_, _ = sd.Apply(sections[i])
		default:
			s, _ := sd.Apply(newSectionTag(sd.y))
			sections = slices.Insert(sections, sectionInsertPos(sections, sd.y), s)
		}
	}
	items := make([]nbt.Tag, len(sections))
	for i, s := range sections {
		items[i] = s
	}
	level.Put(fieldSections, nbt.NewList(nbt.TagCompound, items...))
}

// checkSections replays the section deltas the way commit does, on a copy of
// the list, and validates every section a payload lands on.
func checkSections(sections []nbt.Compound, deltas []*Section) error {
	sections = slices.Clone(sections)
	for _, sd := range deltas {
		i := findSection(sections, sd.y)
		switch {
		case sd.delete:
			if i >= 0 {
				sections = slices.Delete(sections, i, i+1)
			}
		case i >= 0:
			if _, err := sectionArraysOf(sections[i], sd.y); err != nil {
				return err
			}
		default:
			sections = slices.Insert(sections, sectionInsertPos(sections, sd.y), newSectionTag(sd.y))
		}
	}
	return nil
}

// findSection returns the index of the first section at y, or -1.
func findSection(sections []nbt.Compound, y int8) int {
	return slices.IndexFunc(sections, func(s nbt.Compound) bool {
		sy, err := sectionY(s)
		return err == nil && sy == y
	})
}

// sectionInsertPos keeps a Y-ordered list ordered; it returns the index of
// the first section above y.
func sectionInsertPos(sections []nbt.Compound, y int8) int {
	for i, s := range sections {
		if sy, err := sectionY(s); err == nil && sy > y {
			return i
		}
	}
	return len(sections)
}

// EncodedLen returns the size of the encoded chunk delta.
func (c *Chunk) EncodedLen() int {
	if c.delete {
		return 0
	}
	n := chunkHeaderLen + 3*4 + len(c.entities) + len(c.tileEntities) + len(c.tileTicks)
	n += 4 + c.heightMap.groupLen(4)
	for _, s := range c.sections {
		n += 4 + s.EncodedLen()
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c *Chunk) MarshalBinary() ([]byte, error) {
	return c.appendTo(make([]byte, 0, c.EncodedLen())), nil
}

func (c *Chunk) appendTo(b []byte) []byte {
	if c.delete {
		return b
	}
	b = append(b, byte(c.lightPopulated), byte(c.terrainPopulated), byte(c.version))
	b = binary.BigEndian.AppendUint32(b, uint32(c.xPos))
	b = binary.BigEndian.AppendUint32(b, uint32(c.zPos))
	b = binary.BigEndian.AppendUint64(b, uint64(c.inhabitedTime))
	b = binary.BigEndian.AppendUint64(b, uint64(c.lastUpdate))
	b = append(b, c.biomes...)
	for _, blob := range [...][]byte{c.entities, c.tileEntities, c.tileTicks} {
		b = binary.BigEndian.AppendUint32(b, uint32(len(blob)))
		b = append(b, blob...)
	}
	b = appendSparseWords(b, c.heightMap)
	for _, s := range c.sections {
		b = binary.BigEndian.AppendUint32(b, uint32(s.EncodedLen()))
		b = s.appendTo(b)
	}
	return b
}

// DecodeChunk parses an encoded chunk delta. Empty input is the Delete
// sentinel. Blobs are checked to be valid NBT lists.
func DecodeChunk(data []byte) (*Chunk, error) {
	if len(data) == 0 {
		return DeleteChunk(), nil
	}
	if len(data) < chunkHeaderLen {
		return nil, malformed("chunk delta of %d bytes is shorter than its %d byte header", len(data), chunkHeaderLen)
	}
	c := &Chunk{
		lightPopulated:   int8(data[0]),
		terrainPopulated: int8(data[1]),
		version:          int8(data[2]),
		xPos:             int32(binary.BigEndian.Uint32(data[3:])),
		zPos:             int32(binary.BigEndian.Uint32(data[7:])),
		inhabitedTime:    int64(binary.BigEndian.Uint64(data[11:])),
		lastUpdate:       int64(binary.BigEndian.Uint64(data[19:])),
		biomes:           slices.Clone(data[27:chunkHeaderLen]),
	}
	rest := data[chunkHeaderLen:]
	var err error
	for _, f := range []struct {
		name     string
		dst      *[]byte
		optional bool
	}{
		{fieldEntities, &c.entities, false},
		{fieldTileEntities, &c.tileEntities, false},
		{fieldTileTicks, &c.tileTicks, true},
	} {
		var blob []byte
		if blob, rest, err = splitGroup(rest, f.name); err != nil {
			return nil, err
		}
		if len(blob) == 0 {
			if !f.optional {
				return nil, malformed("%s blob is empty", f.name)
			}
			continue
		}
		if _, err := decodeBlob(f.name, blob); err != nil {
			return nil, err
		}
		*f.dst = slices.Clone(blob)
	}
	var group []byte
	if group, rest, err = splitGroup(rest, fieldHeightMap); err != nil {
		return nil, err
	}
	if c.heightMap, err = decodeSparseWords(group, heightMapLen, fieldHeightMap); err != nil {
		return nil, err
	}
	for len(rest) > 0 {
		if group, rest, err = splitGroup(rest, "section"); err != nil {
			return nil, err
		}
		s, err := DecodeSection(group)
		if err != nil {
			return nil, err
		}
		c.sections = append(c.sections, s)
	}
	return c, nil
}

//

func levelOf(root nbt.Compound) (nbt.Compound, error) {
	level, ok := root.GetCompound(fieldLevel)
	if !ok {
		return nil, schemaMismatch("chunk has no %s compound", fieldLevel).WithDetail("field", fieldLevel)
	}
	return level, nil
}

// heightMapOf returns the height map, aliasing the tag storage, or nil when
// absent.
func heightMapOf(level nbt.Compound) ([]int32, error) {
	t := level.Get(fieldHeightMap)
	if t == nil {
		return nil, nil
	}
	a, ok := t.(nbt.IntArray)
	if !ok {
		return nil, schemaMismatch("%s is %s, want IntArray", fieldHeightMap, t.Type()).WithDetail("field", fieldHeightMap)
	}
	if len(a) != heightMapLen {
		return nil, schemaMismatch("%s has %d words, want %d", fieldHeightMap, len(a), heightMapLen).WithDetail("field", fieldHeightMap)
	}
	return a, nil
}

// sectionsOf returns the section compounds, or nil when the list is absent.
// A present but empty list returns an empty non-nil slice.
func sectionsOf(level nbt.Compound) ([]nbt.Compound, error) {
	t := level.Get(fieldSections)
	if t == nil {
		return nil, nil
	}
	l, ok := t.(*nbt.List)
	if !ok {
		return nil, schemaMismatch("%s is %s, want List", fieldSections, t.Type()).WithDetail("field", fieldSections)
	}
	out := make([]nbt.Compound, 0, len(l.Items))
	for _, item := range l.Items {
		s, ok := item.(nbt.Compound)
		if !ok {
			return nil, schemaMismatch("%s holds %s, want Compound", fieldSections, item.Type()).WithDetail("field", fieldSections)
		}
		if _, err := sectionY(s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func encodeBlob(name string, l *nbt.List) ([]byte, error) {
	b, err := nbt.Marshal(name, l)
	if err != nil {
		return nil, schemaMismatch("failed to encode %s", name).Wrap(err)
	}
	return b, nil
}

// decodeBlob returns a fresh list decoded from an encoded blob.
func decodeBlob(name string, blob []byte) (nbt.Tag, error) {
	_, t, err := nbt.Unmarshal(blob)
	if err != nil {
		return nil, malformed("failed to decode %s", name).Wrap(err)
	}
	if _, ok := t.(*nbt.List); !ok {
		return nil, malformed("%s is %s, want List", name, t.Type())
	}
	return t, nil
}

// levelReader reads required Level fields, keeping the first error.
type levelReader struct {
	c   nbt.Compound
	err error
}

func (r *levelReader) missing(name string, ok bool) bool {
	if !ok && r.err == nil {
		r.err = schemaMismatch("chunk has no %s", name).WithDetail("field", name)
	}
	return !ok
}

func (r *levelReader) byte(name string) int8 {
	v, ok := r.c.GetByte(name)
	r.missing(name, ok)
	return v
}

func (r *levelReader) int(name string) int32 {
	v, ok := r.c.GetInt(name)
	r.missing(name, ok)
	return v
}

func (r *levelReader) long(name string) int64 {
	v, ok := r.c.GetLong(name)
	r.missing(name, ok)
	return v
}

func (r *levelReader) byteArray(name string, size int) []byte {
	v, ok := r.c.GetByteArray(name)
	if r.missing(name, ok) {
		return nil
	}
	if len(v) != size && r.err == nil {
		r.err = schemaMismatch("%s has %d bytes, want %d", name, len(v), size).WithDetail("field", name)
	}
	return v
}

func (r *levelReader) list(name string) *nbt.List {
	v, ok := r.c.GetList(name)
	r.missing(name, ok)
	return v
}
