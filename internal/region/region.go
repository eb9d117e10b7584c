// Package region holds the in-memory model of an Anvil region: a 32x32 grid
// of chunks, each an NBT compound with a last-modified timestamp.
//
// Chunks are always addressed by local coordinates in [0, 32). Global chunk
// coordinates are derived from the region coordinates with [Region.Global].
package region

import (
	"fmt"
	"iter"

	"github.com/maruel/mcad/internal/nbt"
)

// Size is the number of chunks along each side of a region.
const Size = 32

// ChunkCount is the number of chunk slots in a region.
const ChunkCount = Size * Size

// Chunk is one chunk of a region.
type Chunk struct {
	// X and Z are local coordinates in [0, Size).
	X, Z int
	// LastModified is the chunk timestamp from the region header, in Unix seconds.
	LastModified int64
	// Tag is the root compound; chunk data lives in its "Level" compound.
	Tag nbt.Compound
}

// Level returns the chunk's "Level" compound.
func (c *Chunk) Level() (nbt.Compound, bool) {
	return c.Tag.GetCompound("Level")
}

// Clone returns a deep copy of the chunk.
func (c *Chunk) Clone() *Chunk {
	return &Chunk{X: c.X, Z: c.Z, LastModified: c.LastModified, Tag: c.Tag.Clone()}
}

// Region is a 32x32 grid of optional chunks.
type Region struct {
	// X and Z are region coordinates, as in the file name r.X.Z.mca.
	X, Z int
	// LastModified is the region timestamp in Unix seconds.
	LastModified int64

	chunks [ChunkCount]*Chunk
}

// New returns an empty region.
func New(x, z int) *Region {
	return &Region{X: x, Z: z}
}

// Index returns the slot index of local coordinates, x + z*Size.
func Index(x, z int) int {
	return x + z*Size
}

// Coords is the inverse of Index.
func Coords(i int) (x, z int) {
	return i % Size, i / Size
}

// Local converts a global chunk coordinate to a local one.
func Local(global int) int {
	return global & (Size - 1)
}

// Global returns the global chunk coordinates of local coordinates in r.
func (r *Region) Global(x, z int) (gx, gz int) {
	return r.X*Size + x, r.Z*Size + z
}

// Chunk returns the chunk at local coordinates, or nil.
func (r *Region) Chunk(x, z int) *Chunk {
	if !inRange(x, z) {
		return nil
	}
	return r.chunks[Index(x, z)]
}

// HasChunk reports whether a chunk exists at local coordinates.
func (r *Region) HasChunk(x, z int) bool {
	return r.Chunk(x, z) != nil
}

// Timestamp returns the chunk timestamp at local coordinates, or -1 when
// there is no chunk.
func (r *Region) Timestamp(x, z int) int64 {
	if c := r.Chunk(x, z); c != nil {
		return c.LastModified
	}
	return -1
}

// SetChunk stores c at its local coordinates, replacing any previous chunk.
func (r *Region) SetChunk(c *Chunk) error {
	if !inRange(c.X, c.Z) {
		return fmt.Errorf("chunk coordinates (%d, %d) out of range", c.X, c.Z)
	}
	r.chunks[Index(c.X, c.Z)] = c
	return nil
}

// RemoveChunk deletes the chunk at local coordinates if present.
func (r *Region) RemoveChunk(x, z int) {
	if inRange(x, z) {
		r.chunks[Index(x, z)] = nil
	}
}

// Len returns the number of chunks present.
func (r *Region) Len() int {
	n := 0
	for _, c := range r.chunks {
		if c != nil {
			n++
		}
	}
	return n
}

// All iterates over present chunks in slot order.
func (r *Region) All() iter.Seq[*Chunk] {
	return func(yield func(*Chunk) bool) {
		for _, c := range r.chunks {
			if c != nil && !yield(c) {
				return
			}
		}
	}
}

// Clone returns a deep copy of the region.
func (r *Region) Clone() *Region {
	out := &Region{X: r.X, Z: r.Z, LastModified: r.LastModified}
	for i, c := range r.chunks {
		if c != nil {
			out.chunks[i] = c.Clone()
		}
	}
	return out
}

func inRange(x, z int) bool {
	return x >= 0 && x < Size && z >= 0 && z < Size
}
