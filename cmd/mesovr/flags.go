package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration. The first positional argument
// selects the subcommand; the rest are subcommand arguments.
type CLIConfig struct {
	Command string
	Args    []string

	ConfigPath   string
	LogLevel     string
	LogFormat    string
	Debug        bool
	Experimenter string
	Experiment   string
	AnimalWeight float64
	Notes        string
	Simulate     bool
	ShowVersion  bool
	ShowHelp     bool
	Validate     bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("MESOVR_CONFIG", "configs/acquisition.yaml"),
		"Path to configuration file (env: MESOVR_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("MESOVR_CONFIG", "configs/acquisition.yaml"),
		"Path to configuration file (env: MESOVR_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MESOVR_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: MESOVR_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MESOVR_LOG_FORMAT", "text"),
		"Log format: json, text (env: MESOVR_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("MESOVR_DEBUG", false),
		"Enable debug mode (env: MESOVR_DEBUG)")

	flag.StringVar(&cfg.Experimenter, "experimenter",
		getEnv("MESOVR_EXPERIMENTER", ""),
		"Experimenter name recorded in the session descriptor (env: MESOVR_EXPERIMENTER)")

	flag.StringVar(&cfg.Experiment, "experiment",
		getEnv("MESOVR_EXPERIMENT", "default"),
		"Experiment definition key for experiment sessions (env: MESOVR_EXPERIMENT)")

	flag.Float64Var(&cfg.AnimalWeight, "weight", 0,
		"Animal weight in grams recorded in the session descriptor")

	flag.StringVar(&cfg.Notes, "notes", "",
		"Free-form experimenter notes recorded in the session descriptor")

	flag.BoolVar(&cfg.Simulate, "simulate",
		getEnvBool("MESOVR_SIMULATE", false),
		"Run against an in-process hardware model instead of the real bus (env: MESOVR_SIMULATE)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	if flag.NArg() > 0 {
		cfg.Command = flag.Arg(0)
		cfg.Args = flag.Args()[1:]
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	// checksum takes its directory argument directly and needs no config file.
	if cfg.Command == "checksum" {
		return nil
	}
	if cfg.Command != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Mesoscope-VR acquisition platform

Usage: %s [options] <command> [args]

Commands:
  lick-train          Run a lick-training session
  run-train           Run a run-training session
  experiment          Run an experiment session (renderer + imaging)
  window-check        Run a cranial-window quality check (imaging only)
  maintain            Interactive valve and system maintenance
  preprocess <dir>    Run the data lifecycle pipeline on a session directory
  purge               Delete local session copies whose remote markers exist
  checksum <dir>      Compute and print a directory tree integrity digest

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run lick training with a custom config
  %s --config=/etc/mesovr/acquisition.yaml lick-train

  # Run an experiment offline against the simulated hardware model
  %s --simulate --experiment=corridor-4 experiment

  # Preprocess a finished session
  %s preprocess /data/template/466/2026-08-29-10-15-30-000000

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
