// Implements the mcad subcommands.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/maruel/mcad/internal/archive"
	"github.com/maruel/mcad/internal/config"
	"github.com/maruel/mcad/internal/delta"
	"github.com/maruel/mcad/internal/region"
	"github.com/maruel/mcad/internal/watch"
	"golang.org/x/sync/errgroup"
)

func cmdDiff(_ context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	snapshot := fs.Bool("snapshot", false, "Create the patch from an empty region")
	out := fs.String("o", "", "Patch file; defaults to the destination base name suffixed with d, in the current directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var src, dst string
	switch {
	case *snapshot && fs.NArg() == 1:
		dst = fs.Arg(0)
	case !*snapshot && fs.NArg() == 2:
		src, dst = fs.Arg(0), fs.Arg(1)
	default:
		return errors.New("diff: expected <src.mca> <dst.mca>, or -snapshot <dst.mca>")
	}
	if *out == "" {
		*out = delta.PatchName(filepath.Base(dst))
	}
	_, err := diffFile(cfg, src, dst, *out)
	return err
}

// diffFile writes to out the patch from src to dst. An empty src diffs
// against an empty region.
func diffFile(cfg *config.Config, src, dst, out string) (delta.Stats, error) {
	d, err := region.Open(dst)
	if err != nil {
		return delta.Stats{}, err
	}
	opts := delta.Options{Verify: cfg.Verify}
	var p *delta.Region
	var st delta.Stats
	if src == "" {
		p, st, err = delta.Snapshot(d, opts)
	} else {
		var s *region.Region
		if s, err = region.Open(src); err != nil {
			return delta.Stats{}, err
		}
		p, st, err = delta.DiffRegion(s, d, opts)
	}
	if err != nil {
		return st, fmt.Errorf("%s: %w", filepath.Base(dst), err)
	}
	if err := p.WriteFile(out, cfg.CompressionLevel); err != nil {
		return st, err
	}
	slog.Info("Wrote patch", "path", out, "chunks", p.Len(), "bytes", p.EncodedLen(), "stats", st)
	return st, nil
}

func cmdApply(_ context.Context, _ *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	expect := fs.String("expect", "", "Region the result must be identical to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return errors.New("apply: expected <patch> <src.mca> <out.mca>")
	}
	return applyFile(fs.Arg(0), fs.Arg(1), fs.Arg(2), *expect)
}

// applyFile applies the patch file to src and writes the result to out. A
// missing src is an empty region at out's coordinates.
func applyFile(patch, src, out, expect string) error {
	p, err := delta.ReadFile(patch)
	if err != nil {
		return err
	}
	target, err := region.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		x, z, perr := region.ParseName(out)
		if perr != nil {
			return err
		}
		target = region.New(x, z)
	} else if err != nil {
		return err
	}
	got, st, err := p.Apply(target)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(patch), err)
	}
	if err := got.WriteFile(out, zlib.DefaultCompression); err != nil {
		return err
	}
	slog.Info("Applied patch", "path", out, "stats", st)
	if expect == "" {
		return nil
	}
	want, err := region.Open(expect)
	if err != nil {
		return err
	}
	if err := delta.Compare(got, want); err != nil {
		return fmt.Errorf("result differs from %s: %w", expect, err)
	}
	slog.Info("Result matches", "path", expect)
	return nil
}

func cmdVerify(_ context.Context, _ *config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("verify: expected <src.mca> <dst.mca>")
	}
	src, err := region.Open(args[0])
	if err != nil {
		return err
	}
	dst, err := region.Open(args[1])
	if err != nil {
		return err
	}
	d, st, err := delta.DiffRegion(src, dst, delta.Options{})
	if err != nil {
		return err
	}
	if err := delta.Verify(d, src, dst); err != nil {
		return err
	}
	slog.Info("Patch reproduces the destination", "stats", st, "bytes", d.EncodedLen())
	return nil
}

func cmdBatch(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 3 {
		return errors.New("batch: expected <srcdir> <dstdir> <outdir>")
	}
	_, err := batch(ctx, cfg, args[0], args[1], args[2])
	return err
}

// batch writes one patch per region file present in srcDir or dstDir. A
// region only in dstDir is a snapshot; a region only in srcDir becomes a
// patch removing all its chunks.
func batch(ctx context.Context, cfg *config.Config, srcDir, dstDir, outDir string) (int, error) {
	srcs, err := regionFiles(srcDir)
	if err != nil {
		return 0, err
	}
	dsts, err := regionFiles(dstDir)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil { //nolint:gosec // G301: patches are not secret
		return 0, fmt.Errorf("failed to create %s: %w", outDir, err)
	}
	names := make([]string, 0, len(dsts)+len(srcs))
	for name := range dsts {
		names = append(names, name)
	}
	for name := range srcs {
		if !dsts[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	start := time.Now()
	for _, name := range names {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := filepath.Join(outDir, delta.PatchName(name))
			var err error
			switch {
			case srcs[name] && dsts[name]:
				_, err = diffFile(cfg, filepath.Join(srcDir, name), filepath.Join(dstDir, name), out)
			case dsts[name]:
				_, err = diffFile(cfg, "", filepath.Join(dstDir, name), out)
			default:
				err = removeAll(cfg, filepath.Join(srcDir, name), out)
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	slog.Info("Batch done", "regions", len(names), "duration", time.Since(start).Round(time.Millisecond))
	return len(names), nil
}

func removeAll(cfg *config.Config, src, out string) error {
	s, err := region.Open(src)
	if err != nil {
		return err
	}
	d := region.New(s.X, s.Z)
	d.LastModified = s.LastModified
	p, st, err := delta.DiffRegion(s, d, delta.Options{Verify: cfg.Verify})
	if err != nil {
		return err
	}
	if err := p.WriteFile(out, cfg.CompressionLevel); err != nil {
		return err
	}
	slog.Info("Wrote patch", "path", out, "chunks", p.Len(), "stats", st)
	return nil
}

// regionFiles returns the region file names in dir.
func regionFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, _, err := region.ParseName(e.Name()); err == nil && e.Type().IsRegular() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

func openArchive(cfg *config.Config) (*archive.Archive, error) {
	if cfg.ArchiveDir == "" {
		return nil, errors.New("archive_dir is not configured; set it in the config file or pass -archive")
	}
	return archive.Open(cfg.ArchiveDir, cfg.GitHistory)
}

func cmdWatch(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("watch: expected <dir>")
	}
	arch, err := openArchive(cfg)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Watch.MetricsAddr != "" {
		eg.Go(func() error {
			return watch.ServeMetrics(ctx, cfg.Watch.MetricsAddr)
		})
	}
	w := watch.New(args[0], arch, watch.Options{
		Debounce:    cfg.Watch.Debounce,
		MinInterval: cfg.Watch.MinInterval,
		Verify:      cfg.Verify,
	})
	eg.Go(func() error {
		return w.Run(ctx)
	})
	return eg.Wait()
}

func cmdLog(_ context.Context, cfg *config.Config, args []string) error {
	if len(args) != 0 {
		return errors.New("log: unexpected arguments")
	}
	arch, err := openArchive(cfg)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTIME\tREGION\tCHANGED\tCREATED\tREMOVED\tSIZE\tSTORED")
	for e := range arch.All() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			e.ID, e.Time.Local().Format(time.DateTime), e.Region, e.Changed, e.Created, e.Removed, e.Size, e.Blob.Size())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n, err := arch.Commits(); err != nil {
		return err
	} else if n > 0 {
		slog.Info("Git history", "commits", n)
	}
	return nil
}

func cmdRestore(_ context.Context, cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return errors.New("restore: expected <r.X.Z.mca> <out.mca>")
	}
	x, z, err := region.ParseName(args[0])
	if err != nil {
		return err
	}
	arch, err := openArchive(cfg)
	if err != nil {
		return err
	}
	r, ok, err := arch.State(x, z)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not archived", region.Name(x, z))
	}
	if err := r.WriteFile(args[1], zlib.DefaultCompression); err != nil {
		return err
	}
	slog.Info("Restored", "region", region.Name(x, z), "chunks", r.Len(), "path", args[1])
	return nil
}

func cmdSchema(_ context.Context, _ *config.Config, args []string) error {
	if len(args) != 0 {
		return errors.New("schema: unexpected arguments")
	}
	b, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Printf("%s\n", b)
	return err
}
