// Package main implements the entry point for the Mesoscope-VR acquisition
// platform. mesovr runs behavior training and experiment sessions, drives
// valve maintenance, and executes the post-session data lifecycle pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mesolab/mesovr/session"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mesovr"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Command failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadAppConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cliCfg.Command {
	case "lick-train":
		return runSession(ctx, cliCfg, cfg, session.KindLickTraining)
	case "run-train":
		return runSession(ctx, cliCfg, cfg, session.KindRunTraining)
	case "experiment":
		return runSession(ctx, cliCfg, cfg, session.KindExperiment)
	case "window-check":
		return runSession(ctx, cliCfg, cfg, session.KindWindowCheck)
	case "maintain":
		return runMaintain(ctx, cliCfg, cfg)
	case "preprocess":
		return runPreprocess(ctx, cliCfg, cfg)
	case "purge":
		return runPurge(cliCfg, cfg)
	case "checksum":
		return runChecksum(ctx, cliCfg)
	default:
		printDetailedHelp()
		return fmt.Errorf("unknown command %q", cliCfg.Command)
	}
}

func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp || cliCfg.Command == "" {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting mesovr",
		"version", Version,
		"build_time", BuildTime,
		"command", cliCfg.Command,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, false, nil
}
