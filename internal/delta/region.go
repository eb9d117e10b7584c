// Implements the delta of a whole region: timestamps, the changed chunk mask
// and the chunk deltas in mask order.

package delta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/maruel/mcad/internal/nbt"
	"github.com/maruel/mcad/internal/region"
)

const (
	regionMaskLen   = region.ChunkCount / 8
	regionHeaderLen = 8 + 8 + regionMaskLen
)

// Region is the delta between two versions of a region.
//
// Bit i of the mask is the chunk at local coordinates region.Coords(i). The
// chunk deltas are stored in ascending bit order.
type Region struct {
	srcTimestamp int64
	dstTimestamp int64
	mask         [regionMaskLen]byte
	chunks       []*Chunk
}

// Options controls DiffRegion.
type Options struct {
	// Verify round-trips the delta through its encoding, applies it to a copy
	// of the source and logs a warning when the result differs from the
	// destination. It never fails the diff.
	Verify bool
}

// Stats counts the chunks of a diff by outcome.
type Stats struct {
	Unchanged int
	Changed   int
	Created   int
	Removed   int
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("unchanged", s.Unchanged),
		slog.Int("changed", s.Changed),
		slog.Int("created", s.Created),
		slog.Int("removed", s.Removed))
}

// ApplyStats counts the chunks touched by Apply.
type ApplyStats struct {
	Changed int
	Created int
	Removed int
}

// LogValue implements slog.LogValuer.
func (s ApplyStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("changed", s.Changed),
		slog.Int("created", s.Created),
		slog.Int("removed", s.Removed))
}

// DiffRegion returns the delta turning src into dst. Both must be the same
// region.
//
// Chunks present in both with equal timestamps are considered unchanged and
// are not compared.
func DiffRegion(src, dst *region.Region, opts Options) (*Region, Stats, error) {
	if src.X != dst.X || src.Z != dst.Z {
		return nil, Stats{}, schemaMismatch("source region (%d, %d) does not match destination (%d, %d)", src.X, src.Z, dst.X, dst.Z)
	}
	d := &Region{srcTimestamp: src.LastModified, dstTimestamp: dst.LastModified}
	var st Stats
	for i := range region.ChunkCount {
		x, z := region.Coords(i)
		s, t := src.Chunk(x, z), dst.Chunk(x, z)
		var cd *Chunk
		var err error
		switch {
		case s == nil && t == nil:
			continue
		case s != nil && t != nil:
			if s.LastModified == t.LastModified {
				st.Unchanged++
				continue
			}
			cd, err = DiffChunk(s.Tag, t.Tag)
			st.Changed++
		case t != nil:
			cd, err = CreateChunk(t.Tag)
			st.Created++
		default:
			cd = DeleteChunk()
			st.Removed++
		}
		if err != nil {
			return nil, Stats{}, chunkError(err, x, z)
		}
		if !cd.delete {
			if err := checkPos(cd, dst, x, z); err != nil {
				return nil, Stats{}, err
			}
		}
		d.mask[i>>3] |= 1 << (i & 7)
		d.chunks = append(d.chunks, cd)
	}
	slog.Debug("Diffed region", "x", dst.X, "z", dst.Z, "stats", st)
	if opts.Verify {
		if err := Verify(d, src, dst); err != nil {
			slog.Warn("Region delta does not reproduce the destination", "x", dst.X, "z", dst.Z, "err", err)
		}
	}
	return d, st, nil
}

// Snapshot returns a delta creating every chunk of dst from an empty region.
func Snapshot(dst *region.Region, opts Options) (*Region, Stats, error) {
	return DiffRegion(region.New(dst.X, dst.Z), dst, opts)
}

// SourceTimestamp returns the timestamp of the region the delta applies to.
func (d *Region) SourceTimestamp() int64 {
	return d.srcTimestamp
}

// DestTimestamp returns the timestamp of the region the delta produces.
func (d *Region) DestTimestamp() int64 {
	return d.dstTimestamp
}

// Mask returns a copy of the changed chunk mask.
func (d *Region) Mask() []byte {
	return append([]byte(nil), d.mask[:]...)
}

// Len returns the number of chunk deltas.
func (d *Region) Len() int {
	return len(d.chunks)
}

// IsSet reports whether the chunk at local coordinates changed.
func (d *Region) IsSet(x, z int) bool {
	if x < 0 || x >= region.Size || z < 0 || z >= region.Size {
		return false
	}
	i := region.Index(x, z)
	return d.mask[i>>3]&(1<<(i&7)) != 0
}

// All iterates over the chunk deltas in mask order, yielding the chunk slot
// index along with each delta.
func (d *Region) All() iter.Seq2[int, *Chunk] {
	return func(yield func(int, *Chunk) bool) {
		k := 0
		for i := range region.ChunkCount {
			if d.mask[i>>3]&(1<<(i&7)) == 0 {
				continue
			}
			if !yield(i, d.chunks[k]) {
				return
			}
			k++
		}
	}
}

// Chunk returns the delta of the chunk at local coordinates, or nil when it
// did not change.
func (d *Region) Chunk(x, z int) *Chunk {
	if !d.IsSet(x, z) {
		return nil
	}
	want := region.Index(x, z)
	for i, cd := range d.All() {
		if i == want {
			return cd
		}
	}
	return nil
}

// Apply writes the delta onto target, a working copy of the source region,
// and returns it.
//
// Every chunk is validated before the first mutation, so target is left
// untouched when an error is returned. Changed and created chunks get the
// destination timestamp, and so does the region.
func (d *Region) Apply(target *region.Region) (*region.Region, ApplyStats, error) {
	type step struct {
		slot  int
		cd    *Chunk
		root  nbt.Compound
		exist bool
		plan  *chunkApply
	}
	steps := make([]step, 0, len(d.chunks))
	for i, cd := range d.All() {
		x, z := region.Coords(i)
		s := step{slot: i, cd: cd}
		if c := target.Chunk(x, z); c != nil {
			s.root, s.exist = c.Tag, true
		}
		if !cd.delete {
			if err := checkPos(cd, target, x, z); err != nil {
				return nil, ApplyStats{}, err
			}
			if !s.exist {
				s.root = nbt.Compound{fieldLevel: nbt.Compound{fieldXPos: nbt.Int(cd.xPos), fieldZPos: nbt.Int(cd.zPos)}}
			}
			var err error
			if s.plan, err = cd.prepare(s.root); err != nil {
				return nil, ApplyStats{}, chunkError(err, x, z)
			}
		}
		steps = append(steps, s)
	}

	var st ApplyStats
	for _, s := range steps {
		x, z := region.Coords(s.slot)
		switch {
		case s.cd.delete:
			if s.exist {
				target.RemoveChunk(x, z)
				st.Removed++
			}
		case s.exist:
			s.plan.commit()
			target.Chunk(x, z).LastModified = d.dstTimestamp
			st.Changed++
		default:
			s.plan.commit()
			// Coordinates were range checked by region.Coords.
			_ = target.SetChunk(&region.Chunk{X: x, Z: z, LastModified: d.dstTimestamp, Tag: s.root})
			st.Created++
		}
	}
	target.LastModified = d.dstTimestamp
	slog.Debug("Applied region delta", "x", target.X, "z", target.Z, "stats", st)
	return target, st, nil
}

// checkPos verifies that the payload for local slot x, z of r carries the
// slot's global coordinates.
func checkPos(cd *Chunk, r *region.Region, x, z int) error {
	gx, gz := r.Global(x, z)
	if int(cd.xPos) == gx && int(cd.zPos) == gz {
		return nil
	}
	return schemaMismatch("chunk (%d, %d) carries position (%d, %d), want (%d, %d)", x, z, cd.xPos, cd.zPos, gx, gz).
		WithDetails(map[string]any{"x": x, "z": z, "field": fieldXPos})
}

// EncodedLen returns the size of the encoded region delta.
func (d *Region) EncodedLen() int {
	n := regionHeaderLen
	for _, cd := range d.chunks {
		n += 4 + cd.EncodedLen()
	}
	return n
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d *Region) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, d.EncodedLen())
	b = binary.BigEndian.AppendUint64(b, uint64(d.srcTimestamp))
	b = binary.BigEndian.AppendUint64(b, uint64(d.dstTimestamp))
	b = append(b, d.mask[:]...)
	for _, cd := range d.chunks {
		b = binary.BigEndian.AppendUint32(b, uint32(cd.EncodedLen()))
		b = cd.appendTo(b)
	}
	return b, nil
}

// DecodeRegion parses an uncompressed region delta. The input must hold
// exactly one chunk record per mask bit.
func DecodeRegion(data []byte) (*Region, error) {
	if len(data) < regionHeaderLen {
		return nil, malformed("region delta of %d bytes is shorter than its %d byte header", len(data), regionHeaderLen)
	}
	d := &Region{
		srcTimestamp: int64(binary.BigEndian.Uint64(data)),
		dstTimestamp: int64(binary.BigEndian.Uint64(data[8:])),
	}
	copy(d.mask[:], data[16:regionHeaderLen])
	want := popcount(d.mask[:])
	rest := data[regionHeaderLen:]
	for len(rest) > 0 {
		if len(d.chunks) == want {
			return nil, malformed("region delta holds more than the %d chunk records its mask announces", want)
		}
		var group []byte
		var err error
		if group, rest, err = splitGroup(rest, "chunk"); err != nil {
			return nil, err
		}
		cd, err := DecodeChunk(group)
		if err != nil {
			x, z := region.Coords(d.slot(len(d.chunks)))
			return nil, chunkError(err, x, z)
		}
		d.chunks = append(d.chunks, cd)
	}
	if len(d.chunks) != want {
		return nil, malformed("region delta holds %d chunk records, mask announces %d", len(d.chunks), want)
	}
	return d, nil
}

// slot returns the chunk slot of the k-th set bit.
func (d *Region) slot(k int) int {
	for i := range region.ChunkCount {
		if d.mask[i>>3]&(1<<(i&7)) != 0 {
			if k == 0 {
				return i
			}
			k--
		}
	}
	return -1
}

// chunkError prefixes a codec error with local chunk coordinates.
func chunkError(err error, x, z int) error {
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Errorf("chunk (%d, %d): %w", x, z, err)
	}
	out := &Error{code: e.code, message: fmt.Sprintf("chunk (%d, %d): %s", x, z, e.message), wrappedErr: e.wrappedErr}
	return out.WithDetails(e.details).WithDetail("x", x).WithDetail("z", z)
}
