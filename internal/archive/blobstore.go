// Implements the content-addressed store holding compressed patches.

package archive

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// base32Enc is the "Extended Hex" alphabet (0-9A-V), ASCII-sorted and safe
// on case-insensitive filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

const (
	blobRefPrefix = "sha256:"
	tmpDirName    = "tmp"
	// sha256 is 52 base32 characters without padding.
	blobHashLen = 52
)

// BlobRef identifies stored content: "sha256:<base32hex>-<size>".
type BlobRef string

// Validate checks the format of the reference.
func (r BlobRef) Validate() error {
	s, ok := strings.CutPrefix(string(r), blobRefPrefix)
	if !ok {
		return fmt.Errorf("blob ref %q: missing %q prefix", r, blobRefPrefix)
	}
	h, size, ok := strings.Cut(s, "-")
	if !ok || len(h) != blobHashLen {
		return fmt.Errorf("blob ref %q: invalid hash", r)
	}
	for i := range len(h) {
		if !isBase32HexChar(h[i]) {
			return fmt.Errorf("blob ref %q: invalid hash", r)
		}
	}
	if n, err := strconv.ParseInt(size, 10, 64); err != nil || n <= 0 {
		return fmt.Errorf("blob ref %q: invalid size", r)
	}
	return nil
}

// Size returns the size encoded in the reference.
func (r BlobRef) Size() int64 {
	_, s, _ := strings.Cut(string(r), "-")
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// blobWriter streams data to a temporary file while hashing it.
type blobWriter struct {
	store   *blobStore
	tmpPath string
	file    io.WriteCloser // nil after close or abort
	hasher  hash.Hash
	size    int64
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.file == nil {
		return 0, fs.ErrClosed
	}
	n, err := w.file.Write(p)
	if n > 0 {
		w.size += int64(n)
		w.hasher.Write(p[:n])
	}
	return n, err
}

// close renames the temporary file to its content-addressed location.
func (w *blobWriter) close() (BlobRef, error) {
	if w.file == nil {
		return "", fs.ErrClosed
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return "", errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(w.tmpPath))
	}
	w.file = nil
	if w.size == 0 {
		return "", errors.Join(errors.New("empty blob"), os.Remove(w.tmpPath))
	}
	ref := BlobRef(fmt.Sprintf("%s%s-%d", blobRefPrefix, base32Enc.EncodeToString(w.hasher.Sum(nil)), w.size))
	target := w.store.pathForRef(ref)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", errors.Join(fmt.Errorf("failed to create blob subdirectory: %w", err), os.Remove(w.tmpPath))
	}
	if _, err := os.Stat(target); err == nil {
		if err := os.Remove(w.tmpPath); err != nil {
			return "", fmt.Errorf("failed to remove temp file: %w", err)
		}
		return ref, nil
	}
	if err := os.Rename(w.tmpPath, target); err != nil {
		return "", errors.Join(fmt.Errorf("failed to rename blob to final location: %w", err), os.Remove(w.tmpPath))
	}
	return ref, nil
}

func (w *blobWriter) abort() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return errors.Join(err, os.Remove(w.tmpPath))
}

// blobStore manages content-addressed files in a directory.
//
// Files are fanned out as <dir>/<hash[:2]>/<hash[2:]>-<size>. Temporary files
// live in <dir>/tmp.
type blobStore struct {
	dir string
}

func (bs *blobStore) newBlob() (*blobWriter, error) {
	tmp := filepath.Join(bs.dir, tmpDirName)
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	f, err := os.CreateTemp(tmp, "*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &blobWriter{store: bs, file: f, tmpPath: f.Name(), hasher: sha256.New()}, nil
}

// put stores data and returns its reference.
func (bs *blobStore) put(data []byte) (BlobRef, error) {
	w, err := bs.newBlob()
	if err != nil {
		return "", err
	}
	if _, err := w.Write(data); err != nil {
		return "", errors.Join(fmt.Errorf("failed to write blob: %w", err), w.abort())
	}
	return w.close()
}

// read returns the content of ref, checking its size.
func (bs *blobStore) read(ref BlobRef) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(bs.pathForRef(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if int64(len(data)) != ref.Size() {
		return nil, fmt.Errorf("blob %s: got %d bytes", ref, len(data))
	}
	return data, nil
}

// pathForRef returns the file path of ref.
func (bs *blobStore) pathForRef(ref BlobRef) string {
	h := string(ref)[len(blobRefPrefix):]
	return filepath.Join(bs.dir, h[:2], h[2:])
}

func isBase32HexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'V')
}
