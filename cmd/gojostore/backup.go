package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
)

// BackupCmd copies the configured storage into a new backup directory.
type BackupCmd struct {
	Dir      string `arg:"" help:"Backup directory, must not hold a backup yet" type:"path"`
	Compress *bool  `help:"Compress data files with xz, overrides backup.compress"`
	Rate     string `help:"Copy rate limit such as 50MiB, overrides backup.rate_limit"`
}

func (c *BackupCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.load()
	if err != nil {
		return err
	}
	defer e.close()

	storageCfg := e.cfg.StorageEngine()
	if c.Compress != nil {
		storageCfg.Backup.Compress = *c.Compress
	}
	if c.Rate != "" {
		rate, err := humanize.ParseBytes(c.Rate)
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", c.Rate, err)
		}
		storageCfg.Backup.RateLimit = int64(rate)
	}

	s, closeStorage, err := e.open(ctx, storageCfg)
	if err != nil {
		return err
	}
	manifest, err := s.Backup(ctx, c.Dir)
	if closeErr := closeStorage(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	printManifest(manifest)
	return nil
}

// VerifyBackupCmd recomputes the digests of a backup.
type VerifyBackupCmd struct {
	Dir string `arg:"" help:"Backup directory" type:"existingdir"`
}

func (c *VerifyBackupCmd) Run(ctx context.Context) error {
	manifest, err := storageengine.VerifyBackup(ctx, c.Dir)
	if err != nil {
		return err
	}
	printManifest(manifest)
	fmt.Println("backup is intact")
	return nil
}

// RestoreCmd rebuilds a storage directory from a backup.
type RestoreCmd struct {
	Dir    string `arg:"" help:"Backup directory" type:"existingdir"`
	Target string `arg:"" help:"Directory to restore into" type:"path"`
}

func (c *RestoreCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.load()
	if err != nil {
		return err
	}
	defer e.close()

	manifest, err := storageengine.RestoreBackup(ctx, c.Dir, c.Target, e.logger)
	if err != nil {
		return err
	}
	fmt.Printf("restored %s (%s) into %s\n", manifest.StorageName, humanize.IBytes(uint64(manifest.TotalSize())), c.Target)
	return nil
}

// CheckCmd verifies every stored page of the configured storage.
type CheckCmd struct{}

func (c *CheckCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.load()
	if err != nil {
		return err
	}
	defer e.close()

	storageCfg := e.cfg.StorageEngine()
	storageCfg.CheckpointInterval = 0
	s, closeStorage, err := e.open(ctx, storageCfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	report, err := s.CheckIntegrity(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked %s pages in %d files\n", humanize.Comma(report.Pages), report.Files)
	if report.OK() {
		return nil
	}
	for _, key := range report.Broken {
		fmt.Printf("broken page %d of file %d\n", key.PageIndex, key.FileID)
	}
	return errors.New("storage holds broken pages")
}

func printManifest(m *storageengine.BackupManifest) {
	fmt.Printf("backup %s of %s taken %s\n", m.ID, m.StorageName, humanize.Time(m.CreatedAt))
	for _, f := range m.Files {
		fmt.Printf("  %-32s %10s  %s\n", f.Path, humanize.IBytes(uint64(f.Size)), f.Digest[:16])
	}
	fmt.Printf("  %d files, %s\n", len(m.Files), humanize.IBytes(uint64(m.TotalSize())))
}
