package archive

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maruel/mcad/internal/delta"
	"github.com/maruel/mcad/internal/region"
	"github.com/maruel/mcad/internal/region/regiontest"
)

func TestArchive(t *testing.T) {
	for _, git := range []bool{false, true} {
		name := "plain"
		if git {
			name = "git"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			a, err := Open(dir, git)
			if err != nil {
				t.Fatal(err)
			}
			if _, ok, err := a.State(2, -1); err != nil || ok {
				t.Fatalf("State() of unknown region = %t, %v", ok, err)
			}

			v1 := region.New(2, -1)
			v1.LastModified = 100
			regiontest.Put(t, v1, 0, 0, 100, 0, 0, 1)
			regiontest.Put(t, v1, 4, 9, 100, 1, 0)
			d, st, err := delta.Snapshot(v1, delta.Options{})
			if err != nil {
				t.Fatal(err)
			}
			e1, err := a.Put(t.Context(), d, 2, -1, st)
			if err != nil {
				t.Fatal(err)
			}
			if e1.Region != "r.2.-1.mca" || e1.Created != 2 || e1.DestTimestamp != 100 {
				t.Errorf("entry = %+v", e1)
			}

			v2 := v1.Clone()
			v2.LastModified = 200
			regiontest.Put(t, v2, 0, 0, 200, 3, 0, 1, 2)
			v2.RemoveChunk(4, 9)
			d, st, err = delta.DiffRegion(v1, v2, delta.Options{})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := a.Put(t.Context(), d, 2, -1, st); err != nil {
				t.Fatal(err)
			}

			got, ok, err := a.State(2, -1)
			if err != nil || !ok {
				t.Fatalf("State() = %t, %v", ok, err)
			}
			if err := delta.Compare(got, v2); err != nil {
				t.Errorf("replayed state differs: %v", err)
			}

			// Reopen from disk.
			b, err := Open(dir, git)
			if err != nil {
				t.Fatal(err)
			}
			if b.Len() != 2 {
				t.Fatalf("Len() = %d, want 2", b.Len())
			}
			latest, ok := b.Latest(2, -1)
			if !ok || latest.Changed != 1 || latest.Removed != 1 || latest.SourceTimestamp != 100 {
				t.Errorf("Latest() = %+v, %t", latest, ok)
			}
			if regions := b.Regions(); len(regions) != 1 || regions[0] != [2]int{2, -1} {
				t.Errorf("Regions() = %v", regions)
			}
			n, err := b.Commits()
			if err != nil {
				t.Fatal(err)
			}
			want := 0
			if git {
				want = 2
			}
			if n != want {
				t.Errorf("Commits() = %d, want %d", n, want)
			}
		})
	}
}

func TestManifestHeader(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	r := region.New(0, 0)
	regiontest.Put(t, r, 1, 1, 10, 0, 0)
	d, st, err := delta.Snapshot(r, delta.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Put(t.Context(), d, 0, 0, st); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(dir, manifestName))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	if !s.Scan() {
		t.Fatal("empty manifest")
	}
	var h schemaHeader
	if err := json.Unmarshal(s.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if err := h.Validate(); err != nil {
		t.Fatal(err)
	}
	types := map[string]columnType{}
	for _, c := range h.Columns {
		types[c.Name] = c.Type
	}
	for name, want := range map[string]columnType{
		"id":     columnTypeID,
		"region": columnTypeText,
		"dst_ts": columnTypeNumber,
		"blob":   columnTypeBlobRef,
		"time":   columnTypeDate,
	} {
		if types[name] != want {
			t.Errorf("column %q type = %q, want %q", name, types[name], want)
		}
	}
}

func TestBlobStore(t *testing.T) {
	bs := &blobStore{dir: t.TempDir()}
	ref, err := bs.put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ref.Validate(); err != nil {
		t.Fatal(err)
	}
	if ref.Size() != 5 {
		t.Errorf("Size() = %d, want 5", ref.Size())
	}
	again, err := bs.put([]byte("hello"))
	if err != nil || again != ref {
		t.Errorf("put() of identical content = %q, %v, want %q", again, err, ref)
	}
	data, err := bs.read(ref)
	if err != nil || string(data) != "hello" {
		t.Errorf("read() = %q, %v", data, err)
	}
	if _, err := bs.put(nil); err == nil {
		t.Error("put(nil) succeeded")
	}
	entries, err := os.ReadDir(filepath.Join(bs.dir, tmpDirName))
	if err != nil || len(entries) != 0 {
		t.Errorf("tmp dir has %d entries, %v", len(entries), err)
	}
	for _, bad := range []BlobRef{"", "md5:AAAA-1", "sha256:short-1", BlobRef(string(ref[:len(ref)-2]) + "-0")} {
		if bad.Validate() == nil {
			t.Errorf("Validate(%q) succeeded", bad)
		}
	}
}

func TestCompress(t *testing.T) {
	in := make([]byte, 10000)
	for i := range in {
		in[i] = byte(i % 7)
	}
	c, err := compress(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(c) >= len(in) {
		t.Errorf("compressed %d bytes to %d", len(in), len(c))
	}
	out, err := decompress(c)
	if err != nil || string(out) != string(in) {
		t.Fatalf("decompress() = %d bytes, %v", len(out), err)
	}
	if _, err := decompress([]byte("garbage")); err == nil {
		t.Error("decompress(garbage) succeeded")
	}
}
