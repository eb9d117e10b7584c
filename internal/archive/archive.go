// Package archive stores region patches in a directory.
//
// Each patch is zstd-compressed and stored as a content-addressed blob. A
// JSONL manifest records one [Entry] per patch in the order they were
// produced, so the state of a region can be rebuilt by replaying its patches
// from an empty region. Optionally every change is committed to a git
// repository rooted at the archive directory.
//
// Layout:
//
//	<dir>/patches.jsonl        manifest, schema header first
//	<dir>/blobs/<2>/<50>-<n>   compressed patches
//	<dir>/blobs/tmp/           in-flight writes
package archive

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/mcad/internal/delta"
	"github.com/maruel/mcad/internal/region"
)

const (
	manifestName = "patches.jsonl"
	blobsDirName = "blobs"
)

// Entry is one archived patch.
type Entry struct {
	ID              ksid.ID   `json:"id" jsonschema:"description=Patch identifier"`
	Region          string    `json:"region" jsonschema:"description=Region file name"`
	X               int       `json:"x" jsonschema:"description=Region X coordinate"`
	Z               int       `json:"z" jsonschema:"description=Region Z coordinate"`
	SourceTimestamp int64     `json:"src_ts" jsonschema:"description=Source region timestamp"`
	DestTimestamp   int64     `json:"dst_ts" jsonschema:"description=Destination region timestamp"`
	Unchanged       int       `json:"unchanged" jsonschema:"description=Chunks left untouched"`
	Changed         int       `json:"changed" jsonschema:"description=Chunks patched"`
	Created         int       `json:"created" jsonschema:"description=Chunks created"`
	Removed         int       `json:"removed" jsonschema:"description=Chunks removed"`
	Size            int       `json:"size" jsonschema:"description=Encoded patch size before compression"`
	Blob            BlobRef   `json:"blob" jsonschema:"description=Compressed patch"`
	Time            time.Time `json:"time" jsonschema:"description=When the patch was archived"`
}

// Clone returns a copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

// LogValue implements slog.LogValuer.
func (e *Entry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID.String()),
		slog.String("region", e.Region),
		slog.Int("size", e.Size),
		slog.Int64("stored", e.Blob.Size()),
	)
}

// Archive is a directory of patches.
//
// It is safe for concurrent use.
type Archive struct {
	dir   string
	table *Table[*Entry]
	blobs *blobStore
	hist  *history
}

// Open opens or creates the archive in dir. When gitHistory is set, dir is
// also a git repository and every Put is committed.
func Open(dir string, gitHistory bool) (*Archive, error) {
	t, err := NewTable[*Entry](filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	a := &Archive{dir: dir, table: t, blobs: &blobStore{dir: filepath.Join(dir, blobsDirName)}}
	if gitHistory {
		if a.hist, err = openHistory(dir); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Len returns the number of archived patches.
func (a *Archive) Len() int {
	return a.table.Len()
}

// Put archives d, the patch of region x, z.
func (a *Archive) Put(ctx context.Context, d *delta.Region, x, z int, st delta.Stats) (*Entry, error) {
	raw, err := d.MarshalBinary()
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:              ksid.NewID(),
		Region:          region.Name(x, z),
		X:               x,
		Z:               z,
		SourceTimestamp: d.SourceTimestamp(),
		DestTimestamp:   d.DestTimestamp(),
		Unchanged:       st.Unchanged,
		Changed:         st.Changed,
		Created:         st.Created,
		Removed:         st.Removed,
		Size:            len(raw),
		Time:            time.Now().UTC(),
	}
	store := func() error {
		compressed, err := compress(raw)
		if err != nil {
			return err
		}
		if e.Blob, err = a.blobs.put(compressed); err != nil {
			return err
		}
		return a.table.Append(e)
	}
	if a.hist == nil {
		if err := store(); err != nil {
			return nil, err
		}
	} else {
		err := a.hist.commitTx(ctx, func() (string, []string, error) {
			if err := store(); err != nil {
				return "", nil, err
			}
			blob, err := filepath.Rel(a.dir, a.blobs.pathForRef(e.Blob))
			if err != nil {
				return "", nil, err
			}
			msg := fmt.Sprintf("%s: %d changed, %d created, %d removed", e.Region, e.Changed, e.Created, e.Removed)
			return msg, []string{".gitignore", manifestName, filepath.ToSlash(blob)}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to commit %s: %w", e.Region, err)
		}
	}
	slog.Debug("Archived patch", "entry", e)
	return e.Clone(), nil
}

// All returns all entries in archive order.
func (a *Archive) All() iter.Seq[*Entry] {
	return a.table.All()
}

// Entries returns the entries of region x, z in archive order.
func (a *Archive) Entries(x, z int) []*Entry {
	var out []*Entry
	for e := range a.table.All() {
		if e.X == x && e.Z == z {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the last entry of region x, z.
func (a *Archive) Latest(x, z int) (*Entry, bool) {
	return a.table.Last(func(e *Entry) bool { return e.X == x && e.Z == z })
}

// Regions returns the coordinates of every archived region, sorted.
func (a *Archive) Regions() [][2]int {
	var out [][2]int
	for e := range a.table.All() {
		k := [2]int{e.X, e.Z}
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(l, r [2]int) int {
		if l[0] != r[0] {
			return l[0] - r[0]
		}
		return l[1] - r[1]
	})
	return out
}

// Load decodes the patch of e.
func (a *Archive) Load(e *Entry) (*delta.Region, error) {
	compressed, err := a.blobs.read(e.Blob)
	if err != nil {
		return nil, err
	}
	raw, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", e.Blob, err)
	}
	if len(raw) != e.Size {
		return nil, fmt.Errorf("blob %s: decompressed to %d bytes, want %d", e.Blob, len(raw), e.Size)
	}
	return delta.DecodeRegion(raw)
}

// State rebuilds region x, z by applying its patches in order to an empty
// region. ok is false when the region was never archived.
func (a *Archive) State(x, z int) (r *region.Region, ok bool, err error) {
	r = region.New(x, z)
	for _, e := range a.Entries(x, z) {
		d, err := a.Load(e)
		if err != nil {
			return nil, false, err
		}
		if r, _, err = d.Apply(r); err != nil {
			return nil, false, fmt.Errorf("failed to replay %s: %w", e.ID, err)
		}
		ok = true
	}
	return r, ok, nil
}

// Commits returns the number of git commits, 0 without git history.
func (a *Archive) Commits() (int, error) {
	if a.hist == nil {
		return 0, nil
	}
	return a.hist.commitCount()
}
