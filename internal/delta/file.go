// Reads and writes patch files: a region delta gzip-compressed as a whole.

package delta

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// maxPatchSize bounds the decompressed size of a patch. A full region delta
// is smaller than the region itself, which Anvil caps at 1024 chunks of 255
// sectors.
const maxPatchSize = 1 << 30

// PatchName returns the patch file name for a region file name, r.0.0.mca
// becoming r.0.0.mcad.
func PatchName(regionName string) string {
	return regionName + "d"
}

// Write writes the gzip-compressed delta to w.
func (d *Region) Write(w io.Writer, level int) error {
	b, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(b); err != nil {
		return errors.Join(fmt.Errorf("failed to compress patch: %w", err), zw.Close())
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress patch: %w", err)
	}
	return nil
}

// Read reads a gzip-compressed delta from r.
func Read(r io.Reader) (*Region, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, malformed("patch is not gzip compressed").Wrap(err)
	}
	defer func() { _ = zr.Close() }()
	b, err := io.ReadAll(io.LimitReader(zr, maxPatchSize+1))
	if err != nil {
		return nil, malformed("failed to decompress patch").Wrap(err)
	}
	if len(b) > maxPatchSize {
		return nil, malformed("patch decompresses to more than %d bytes", maxPatchSize)
	}
	return DecodeRegion(b)
}

// WriteFile writes the gzip-compressed delta to path.
func (d *Region) WriteFile(path string, level int) (err error) {
	f, err := os.Create(path) //nolint:gosec // G304: patch paths are provided by the CLI user
	if err != nil {
		return fmt.Errorf("failed to create patch: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close patch: %w", cerr)
		}
	}()
	return d.Write(f, level)
}

// ReadFile reads a gzip-compressed delta from path.
func ReadFile(path string) (*Region, error) {
	f, err := os.Open(path) //nolint:gosec // G304: patch paths are provided by the CLI user
	if err != nil {
		return nil, fmt.Errorf("failed to open patch: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}
