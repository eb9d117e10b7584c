// Reads and writes the Anvil container: 4 KiB sectors, a location table, a
// timestamp table, and one compressed NBT payload per chunk.

package region

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/maruel/mcad/internal/nbt"
)

const (
	sectorSize = 4096
	headerSize = 2 * sectorSize

	compressionGzip = 1
	compressionZlib = 2
	compressionNone = 3
	// compressionExternal flags payloads stored in a separate .mcc file.
	compressionExternal = 128

	maxSectorsPerChunk = 255
)

var (
	errBadName         = errors.New("region file name must follow r.X.Z.mca")
	errShortHeader     = errors.New("region header is truncated")
	errExternalChunk   = errors.New("external chunk storage is not supported")
	errChunkTooLarge   = errors.New("chunk does not fit in 255 sectors")
	errRootNotCompound = errors.New("chunk root tag is not a compound")
)

// Name returns the file name of the region at x, z.
func Name(x, z int) string {
	return fmt.Sprintf("r.%d.%d.mca", x, z)
}

// ParseName extracts region coordinates from a file name like r.-1.2.mca.
func ParseName(name string) (x, z int, err error) {
	parts := strings.Split(filepath.Base(name), ".")
	if len(parts) != 4 || !strings.EqualFold(parts[0], "r") || !strings.EqualFold(parts[3], "mca") {
		return 0, 0, errBadName
	}
	if x, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", errBadName, err)
	}
	if z, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", errBadName, err)
	}
	return x, z, nil
}

// Open reads a region file. Coordinates come from the file name and the
// region timestamp from the file modification time.
func Open(path string) (*Region, error) {
	x, z, err := ParseName(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: region paths are provided by the CLI user
	if err != nil {
		return nil, fmt.Errorf("failed to read region: %w", err)
	}
	r, err := Decode(data, x, z)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	if fi, err := os.Stat(path); err == nil {
		r.LastModified = fi.ModTime().Unix()
	}
	return r, nil
}

// Decode parses an Anvil container. An empty input is an empty region.
func Decode(data []byte, x, z int) (*Region, error) {
	r := New(x, z)
	if len(data) == 0 {
		return r, nil
	}
	if len(data) < headerSize {
		return nil, errShortHeader
	}
	for i := range ChunkCount {
		loc := binary.BigEndian.Uint32(data[i*4:])
		if loc == 0 {
			continue
		}
		offset := int(loc>>8) * sectorSize
		count := int(loc&0xFF) * sectorSize
		lx, lz := Coords(i)
		if offset < headerSize || count == 0 || offset+count > len(data) {
			return nil, fmt.Errorf("chunk (%d, %d): sectors out of bounds", lx, lz)
		}
		tag, err := decodeChunk(data[offset : offset+count])
		if err != nil {
			return nil, fmt.Errorf("chunk (%d, %d): %w", lx, lz, err)
		}
		ts := int64(binary.BigEndian.Uint32(data[sectorSize+i*4:]))
		r.chunks[i] = &Chunk{X: lx, Z: lz, LastModified: ts, Tag: tag}
	}
	return r, nil
}

func decodeChunk(sectors []byte) (nbt.Compound, error) {
	if len(sectors) < 5 {
		return nil, io.ErrUnexpectedEOF
	}
	length := int(binary.BigEndian.Uint32(sectors))
	if length < 1 || 4+length > len(sectors) {
		return nil, fmt.Errorf("invalid payload length %d", length)
	}
	kind := sectors[4]
	payload := sectors[5 : 4+length]
	var raw []byte
	switch kind {
	case compressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip payload: %w", err)
		}
		defer func() { _ = zr.Close() }()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to inflate gzip payload: %w", err)
		}
	case compressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open zlib payload: %w", err)
		}
		defer func() { _ = zr.Close() }()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to inflate zlib payload: %w", err)
		}
	case compressionNone:
		raw = payload
	default:
		if kind&compressionExternal != 0 {
			return nil, errExternalChunk
		}
		return nil, fmt.Errorf("unknown compression type %d", kind)
	}
	_, tag, err := nbt.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	root, ok := tag.(nbt.Compound)
	if !ok {
		return nil, errRootNotCompound
	}
	return root, nil
}

// Encode serializes the region with zlib-compressed chunk payloads at the
// given compression level.
func (r *Region) Encode(level int) ([]byte, error) {
	out := make([]byte, headerSize)
	for i, c := range r.chunks {
		if c == nil {
			continue
		}
		payload, err := encodeChunk(c.Tag, level)
		if err != nil {
			return nil, fmt.Errorf("chunk (%d, %d): %w", c.X, c.Z, err)
		}
		sectors := (len(payload) + sectorSize - 1) / sectorSize
		if sectors > maxSectorsPerChunk {
			return nil, fmt.Errorf("chunk (%d, %d): %w", c.X, c.Z, errChunkTooLarge)
		}
		offset := len(out) / sectorSize
		binary.BigEndian.PutUint32(out[i*4:], uint32(offset)<<8|uint32(sectors))
		binary.BigEndian.PutUint32(out[sectorSize+i*4:], uint32(c.LastModified))
		out = append(out, payload...)
		if pad := len(out) % sectorSize; pad != 0 {
			out = append(out, make([]byte, sectorSize-pad)...)
		}
	}
	return out, nil
}

func encodeChunk(tag nbt.Compound, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, compressionZlib})
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if err := nbt.Write(zw, "", tag); err != nil {
		return nil, errors.Join(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b, uint32(len(b)-4))
	return b, nil
}

// WriteFile writes the region to path atomically and sets the file
// modification time to r.LastModified when it is set.
func (r *Region) WriteFile(path string, level int) error {
	data, err := r.Encode(level)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: region files are world data, not secrets
		return fmt.Errorf("failed to write region: %w", err)
	}
	if r.LastModified > 0 {
		t := time.Unix(r.LastModified, 0)
		if err := os.Chtimes(tmp, t, t); err != nil {
			return errors.Join(fmt.Errorf("failed to set region time: %w", err), os.Remove(tmp))
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename region: %w", err), os.Remove(tmp))
	}
	return nil
}
