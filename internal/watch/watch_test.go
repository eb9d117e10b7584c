package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/maruel/mcad/internal/archive"
	"github.com/maruel/mcad/internal/delta"
	"github.com/maruel/mcad/internal/region"
	"github.com/maruel/mcad/internal/region/regiontest"
)

func writeRegion(t *testing.T, dir string, r *region.Region) {
	t.Helper()
	if err := r.WriteFile(filepath.Join(dir, region.Name(r.X, r.Z)), zlib.DefaultCompression); err != nil {
		t.Fatal(err)
	}
}

func TestProcess(t *testing.T) {
	world := t.TempDir()
	arch, err := archive.Open(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	w := New(world, arch, Options{Verify: true})
	name := region.Name(-1, 0)

	v1 := region.New(-1, 0)
	v1.LastModified = 1000
	regiontest.Put(t, v1, 3, 3, 1000, 0, 0)
	writeRegion(t, world, v1)

	e, err := w.Process(t.Context(), name)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Created != 1 {
		t.Fatalf("first Process() = %+v, want a snapshot", e)
	}
	if e, err := w.Process(t.Context(), name); err != nil || e != nil {
		t.Fatalf("Process() of an unmodified file = %+v, %v", e, err)
	}

	v2 := v1.Clone()
	v2.LastModified = 2000
	regiontest.Put(t, v2, 3, 3, 2000, 1, 0, 1)
	regiontest.Put(t, v2, 4, 3, 2000, 2, 0)
	writeRegion(t, world, v2)
	e, err = w.Process(t.Context(), name)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Changed != 1 || e.Created != 1 || e.SourceTimestamp != 1000 || e.DestTimestamp != 2000 {
		t.Fatalf("second Process() = %+v", e)
	}
	got, _, err := arch.State(-1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := delta.Compare(got, v2); err != nil {
		t.Error(err)
	}

	// A new watcher starts from the archived state.
	if e, err := New(world, arch, Options{}).Process(t.Context(), name); err != nil || e != nil {
		t.Errorf("Process() after restart = %+v, %v", e, err)
	}

	if _, err := w.Process(t.Context(), "level.dat"); err == nil {
		t.Error("Process() accepted a non region file")
	}
}

func TestRun(t *testing.T) {
	world := t.TempDir()
	arch, err := archive.Open(t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	r := region.New(0, 0)
	r.LastModified = 1000
	regiontest.Put(t, r, 0, 0, 1000, 0, 0)
	writeRegion(t, world, r)

	ctx, cancel := context.WithCancel(t.Context())
	w := New(world, arch, Options{Debounce: 10 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	waitFor := func(n int) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for arch.Len() < n {
			if time.Now().After(deadline) {
				t.Fatalf("archive has %d patches, want %d", arch.Len(), n)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor(1)

	r.LastModified = 2000
	regiontest.Put(t, r, 1, 0, 2000, 1, 0)
	writeRegion(t, world, r)
	waitFor(2)

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	e, ok := arch.Latest(0, 0)
	if !ok || e.Created != 1 || e.Unchanged != 1 {
		t.Errorf("Latest() = %+v", e)
	}
}

func TestLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newLimiter(time.Minute)
	if d := l.reserve("a", now); d != 0 {
		t.Errorf("first reserve() = %s, want 0", d)
	}
	if d := l.reserve("a", now.Add(time.Second)); d <= 0 || d > time.Minute {
		t.Errorf("second reserve() = %s, want a wait", d)
	}
	if d := l.reserve("b", now.Add(time.Second)); d != 0 {
		t.Errorf("reserve() of another key = %s, want 0", d)
	}
	if d := l.reserve("a", now.Add(time.Minute)); d != 0 {
		t.Errorf("reserve() after the interval = %s, want 0", d)
	}
	unlimited := newLimiter(0)
	for range 3 {
		if d := unlimited.reserve("a", now); d != 0 {
			t.Errorf("unlimited reserve() = %s", d)
		}
	}
}
