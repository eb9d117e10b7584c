// Checks that a region delta reproduces its destination.

package delta

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/maruel/mcad/internal/nbt"
	"github.com/maruel/mcad/internal/region"
)

// VerifyError describes a chunk that a delta failed to reproduce.
type VerifyError struct {
	// X and Z are local chunk coordinates.
	X, Z int
	// GotLen and WantLen are the encoded NBT sizes of the reconstructed and
	// destination chunks, -1 when the chunk is absent.
	GotLen  int
	WantLen int
}

func (e *VerifyError) Error() string {
	switch {
	case e.GotLen < 0:
		return fmt.Sprintf("chunk (%d, %d): missing after apply", e.X, e.Z)
	case e.WantLen < 0:
		return fmt.Sprintf("chunk (%d, %d): present after apply but not in destination", e.X, e.Z)
	case e.GotLen != e.WantLen:
		return fmt.Sprintf("chunk (%d, %d): encoded length %d, want %d", e.X, e.Z, e.GotLen, e.WantLen)
	default:
		return fmt.Sprintf("chunk (%d, %d): same length but content differs", e.X, e.Z)
	}
}

// Verify encodes and decodes d, applies it to a copy of src and compares every
// chunk of the result with dst byte for byte. It returns the joined
// *VerifyError of every mismatching chunk, or the error that prevented the
// round trip.
func Verify(d *Region, src, dst *region.Region) error {
	b, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	decoded, err := DecodeRegion(b)
	if err != nil {
		return fmt.Errorf("failed to decode own encoding: %w", err)
	}
	got, _, err := decoded.Apply(src.Clone())
	if err != nil {
		return fmt.Errorf("failed to apply: %w", err)
	}
	return Compare(got, dst)
}

// Compare compares every chunk of got and want byte for byte.
func Compare(got, want *region.Region) error {
	var errs []error
	for i := range region.ChunkCount {
		x, z := region.Coords(i)
		g, w := got.Chunk(x, z), want.Chunk(x, z)
		if g == nil && w == nil {
			continue
		}
		gb, err := encodedChunk(g)
		if err != nil {
			return err
		}
		wb, err := encodedChunk(w)
		if err != nil {
			return err
		}
		if g != nil && w != nil && bytes.Equal(gb, wb) {
			continue
		}
		errs = append(errs, &VerifyError{X: x, Z: z, GotLen: lenOrAbsent(g, gb), WantLen: lenOrAbsent(w, wb)})
	}
	return errors.Join(errs...)
}

func encodedChunk(c *region.Chunk) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := nbt.Marshal("", c.Tag)
	if err != nil {
		return nil, fmt.Errorf("chunk (%d, %d): %w", c.X, c.Z, err)
	}
	return b, nil
}

func lenOrAbsent(c *region.Chunk, b []byte) int {
	if c == nil {
		return -1
	}
	return len(b)
}
