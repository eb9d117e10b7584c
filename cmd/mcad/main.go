// mcad computes, applies and archives binary patches between two versions of
// a Minecraft Anvil region file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/mcad/internal/config"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "mcad: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: mcad [flags] <command> [args]

Commands:
  diff [-o patch] <src.mca> <dst.mca>   write the patch turning src into dst
  diff -snapshot [-o patch] <dst.mca>   write a patch creating dst from nothing
  apply [-expect dst.mca] <patch> <src.mca> <out.mca>
                                        apply a patch to src and write out
  verify <src.mca> <dst.mca>            check that the patch of src to dst reproduces dst
  batch <srcdir> <dstdir> <outdir>      write one patch per region file
  watch <dir>                           archive a patch whenever a region file changes
  log                                   list archived patches
  restore <r.X.Z.mca> <out.mca>         rebuild a region from the archive
  schema                                print the JSON schema of the config file

Flags:
`

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", config.DefaultPath, "Configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	verify := flag.Bool("verify", false, "Verify every computed patch")
	workers := flag.Int("j", 0, "Concurrent regions in batch mode; 0 means one per CPU")
	archiveDir := flag.String("archive", "", "Patch archive directory")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags explicitly set override the configuration file.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["verify"] {
		cfg.Verify = *verify
	}
	if set["j"] {
		cfg.Workers = *workers
	}
	if set["archive"] {
		cfg.ArchiveDir = *archiveDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", cfg.LogLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd(ctx, cfg, args[1:])
}

type command func(ctx context.Context, cfg *config.Config, args []string) error

var commands = map[string]command{
	"diff":    cmdDiff,
	"apply":   cmdApply,
	"verify":  cmdVerify,
	"batch":   cmdBatch,
	"watch":   cmdWatch,
	"log":     cmdLog,
	"restore": cmdRestore,
	"schema":  cmdSchema,
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("mcad %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
