// Command gojostore operates a page storage from the command line: it runs
// cache benchmarks, takes and checks backups, verifies page checksums and
// offers an interactive shell for page edits inside atomic operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kong"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const version = "0.1.0"

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `name:"config" short:"c" help:"Path to the YAML configuration file" type:"existingfile"`
	Path     string `name:"path" help:"Storage directory, overrides storage.path" type:"path"`
	LogLevel string `name:"log-level" help:"Log level, overrides logger.level"`
}

// CLI defines the command-line interface for gojostore.
var CLI struct {
	Globals

	Bench        BenchCmd        `cmd:"" help:"Measure the read cache under a skewed page workload"`
	Backup       BackupCmd       `cmd:"" help:"Copy a consistent image of the storage into a directory"`
	VerifyBackup VerifyBackupCmd `cmd:"" name:"verify-backup" help:"Check the digests of a backup"`
	Restore      RestoreCmd      `cmd:"" help:"Restore a verified backup into an empty directory"`
	Check        CheckCmd        `cmd:"" help:"Verify the checksum of every stored page"`
	Shell        ShellCmd        `cmd:"" help:"Interactive shell for page edits inside atomic operations"`
	Version      VersionCmd      `cmd:"" help:"Print version information"`
}

// env is what a command needs after the configuration has been read.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	level    zap.AtomicLevel
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
}

func (g *Globals) load() (*env, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return nil, err
		}
	}
	if g.Path != "" {
		cfg.Storage.Path = g.Path
	}
	if g.LogLevel != "" {
		cfg.Logger.Level = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, level, err := logger.NewWithLevel(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &env{cfg: cfg, logger: log, level: level, tel: tel, shutdown: shutdown}, nil
}

func (e *env) close() error {
	err := e.shutdown(context.Background())
	_ = e.logger.Sync()
	return err
}

// open opens the configured storage and, when telemetry is enabled, serves
// its metrics until the returned close function is called.
func (e *env) open(ctx context.Context, storageCfg storageengine.Config) (*storageengine.Storage, func() error, error) {
	s, err := storageengine.Open(ctx, storageCfg, storageengine.Options{
		Logger: e.logger,
		Meter:  e.tel.Meter,
		Tracer: e.tel.Tracer,
	})
	if err != nil {
		return nil, nil, err
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- e.tel.Serve(serveCtx, e.logger) }()

	return s, func() error {
		stopServing()
		return multierr.Combine(s.Close(), <-served)
	}, nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("gojostore %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx := kong.Parse(&CLI,
		kong.Name("gojostore"),
		kong.Description("Page cache and atomic operations storage"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Bind(&CLI.Globals),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	err := kctx.Run()
	kctx.FatalIfErrorf(err)
}
