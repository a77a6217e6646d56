package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mesolab/mesovr/hardware"
	"github.com/mesolab/mesovr/runtime"
	"github.com/mesolab/mesovr/session"
	"github.com/mesolab/mesovr/transfer"
)

// Default acquisition parameters applied when the config file leaves a field
// unset.
const (
	defaultWorkers          = 8
	defaultBatchSize        = 250
	defaultTrainingDuration = 20 * time.Minute
	defaultMetricsPort      = 9090
)

// AppConfig is the full acquisition-host configuration, loaded from YAML.
type AppConfig struct {
	// Root is the local session data root (root/project/animal/session).
	Root    string `yaml:"root"`
	Project string `yaml:"project"`
	Animal  string `yaml:"animal"`

	NATSURL       string `yaml:"nats_url"`
	MQTTBrokerURL string `yaml:"mqtt_broker_url"`
	MetricsPort   int    `yaml:"metrics_port"`

	// ImagingSource is the imaging host's shared output directory pulled in
	// during preprocessing.
	ImagingSource string `yaml:"imaging_source"`

	Hardware hardware.Config `yaml:"hardware"`
	Runtime  RuntimeConfig   `yaml:"runtime"`

	// Workers bounds hashing, copying, and recompression parallelism.
	Workers int `yaml:"workers"`
	// BatchSize bounds how many stack pages are held in memory at once.
	BatchSize int `yaml:"batch_size"`
	// VerifyStacks enables decode-and-compare verification of recompressed
	// stacks before their sources are deleted.
	VerifyStacks *bool `yaml:"verify_stacks"`

	Destinations []transfer.Destination `yaml:"destinations"`

	// Experiments maps experiment definition keys to their runtime
	// parametrization.
	Experiments map[string]ExperimentConfig `yaml:"experiments"`
}

// RuntimeConfig holds session runtime parameters shared by every kind.
type RuntimeConfig struct {
	HeartbeatBoundMs    int     `yaml:"heartbeat_bound_ms"`
	RewardSizeUl        float64 `yaml:"reward_size_ul"`
	UnconsumedRewardCap int     `yaml:"unconsumed_reward_cap"`
	MaxWaterUl          float64 `yaml:"max_water_ul"`
	TrainingDurationMin int     `yaml:"training_duration_min"`
}

// ExperimentConfig defines one experiment: the cue-combination templates used
// to decompose the renderer's cue sequence and the ordered stage sequence.
type ExperimentConfig struct {
	Templates []runtime.TrialTemplate `yaml:"cue_templates"`
	Sequence  []runtime.StageEntry    `yaml:"sequence"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.NATSURL == "" {
		c.NATSURL = getEnv("MESOVR_NATS_URL", "nats://localhost:4222")
	}
	if c.MQTTBrokerURL == "" {
		c.MQTTBrokerURL = getEnv("MESOVR_MQTT_URL", "tcp://localhost:1883")
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = defaultMetricsPort
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Runtime.TrainingDurationMin <= 0 {
		c.Runtime.TrainingDurationMin = int(defaultTrainingDuration / time.Minute)
	}
}

func (c *AppConfig) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Project == "" || c.Animal == "" {
		return fmt.Errorf("project and animal are required")
	}
	for i, dest := range c.Destinations {
		if dest.Name == "" || dest.Root == "" {
			return fmt.Errorf("destination %d needs name and root", i)
		}
	}
	return nil
}

// verifyStacks defaults to true when unset: losing frames silently is worse
// than the extra decode pass.
func (c *AppConfig) verifyStacks() bool {
	if c.VerifyStacks == nil {
		return true
	}
	return *c.VerifyStacks
}

// heartbeatBound converts the configured bound to a duration, falling back to
// the runtime default when unset.
func (c *AppConfig) heartbeatBound() time.Duration {
	if c.Runtime.HeartbeatBoundMs <= 0 {
		return 0
	}
	return time.Duration(c.Runtime.HeartbeatBoundMs) * time.Millisecond
}

// machineConfig assembles the runtime configuration for one session kind.
func (c *AppConfig) machineConfig(kind session.Kind, experiment string) (runtime.Config, error) {
	cfg := runtime.DefaultConfig(kind)
	cfg.HeartbeatBound = c.heartbeatBound()
	if c.Runtime.RewardSizeUl > 0 {
		cfg.RewardSizeUl = c.Runtime.RewardSizeUl
	}
	cfg.UnconsumedRewardCap = c.Runtime.UnconsumedRewardCap
	cfg.MaxWaterUl = c.Runtime.MaxWaterUl

	if cfg.UseRenderer {
		exp, ok := c.Experiments[experiment]
		if !ok {
			return runtime.Config{}, fmt.Errorf("experiment %q not defined in config", experiment)
		}
		cfg.Templates = exp.Templates
		cfg.Sequence = exp.Sequence
	}
	return cfg, nil
}
