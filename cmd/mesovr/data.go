package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mesolab/mesovr/checksum"
	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/lifecycle"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/session"
	"github.com/mesolab/mesovr/transfer"
)

// sessionDestinations rebases the configured destination roots onto the
// session's own project/animal/session subtree. Telomere markers and purge
// both resolve the remote copy at root/project/animal/session, so pushes
// must land there, never at the shared root.
func sessionDestinations(p session.Paths, dests []transfer.Destination) []transfer.Destination {
	out := make([]transfer.Destination, len(dests))
	for i, dest := range dests {
		dest.Root = filepath.Join(dest.Root, p.ID.Project, p.ID.Animal, p.ID.Name())
		out[i] = dest
	}
	return out
}

// runPreprocess executes the data lifecycle pipeline on one finished
// session: imaging intake, log compaction, stack recompression, verified
// pushes, and marker writes. Safe to re-run after a crash.
func runPreprocess(ctx context.Context, cliCfg *CLIConfig, cfg *AppConfig) error {
	if len(cliCfg.Args) != 1 {
		return fmt.Errorf("usage: %s preprocess <session-directory>", appName)
	}
	p, err := session.OpenDir(cliCfg.Args[0])
	if err != nil {
		return err
	}

	logger := component.NewLogger("lifecycle", p.ID.Name(), nil, slog.Default())
	metrics := metric.NewRegistry()
	stopMetrics := serveMetrics(cfg.MetricsPort, metrics)
	defer stopMetrics()

	manager := lifecycle.NewManager(cfg.Workers, cfg.BatchSize, cfg.verifyStacks(), logger, metrics)

	if cfg.ImagingSource != "" {
		imagingDir := filepath.Join(cfg.ImagingSource, cfg.Project, cfg.Animal, p.ID.Name())
		if _, err := os.Stat(imagingDir); err == nil {
			slog.Info("Pulling imaging data", "source", imagingDir)
			if err := manager.IntakeImagingData(ctx, imagingDir, p); err != nil {
				return err
			}
		}
	}

	return manager.Preprocess(ctx, p, sessionDestinations(p, cfg.Destinations))
}

// runPurge deletes local session copies whose remote counterpart carries the
// telomere marker. Never automatic: this is its own explicit command.
func runPurge(cliCfg *CLIConfig, cfg *AppConfig) error {
	var remoteRoot string
	for _, dest := range cfg.Destinations {
		if dest.Verify {
			remoteRoot = dest.Root
			break
		}
	}
	if remoteRoot == "" {
		return errors.Wrap(
			fmt.Errorf("no destination is checksum-verified: %w", errors.ErrVerificationOff),
			"cmd", "runPurge", "selecting remote root")
	}

	manager := lifecycle.NewManager(cfg.Workers, cfg.BatchSize, cfg.verifyStacks(), nil, nil)
	removed, err := manager.Purge(cfg.Root, remoteRoot, lifecycle.MarkerTelomere)
	if err != nil {
		return err
	}
	for _, dir := range removed {
		slog.Info("Purged session copy", "dir", dir)
	}
	slog.Info("Purge complete", "removed", len(removed))
	return nil
}

// runChecksum prints the integrity digest of a directory tree.
func runChecksum(ctx context.Context, cliCfg *CLIConfig) error {
	if len(cliCfg.Args) != 1 {
		return fmt.Errorf("usage: %s checksum <directory>", appName)
	}
	digest, err := checksum.HashDirectoryExcludingRecord(ctx, cliCfg.Args[0], 0)
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}
