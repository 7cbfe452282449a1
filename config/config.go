// Package config loads the run configuration from YAML and fills in
// defaults for everything the file leaves out.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration loaded from YAML.
type Config struct {
	// Data locates the cohort inputs.
	Data struct {
		// SliceRoot is the directory holding per-patient slice trees.
		SliceRoot string `yaml:"sliceRoot"`

		// CohortManifest is the CSV with every patient's grade and
		// radiomic features.
		CohortManifest string `yaml:"cohortManifest"`

		// TrainManifest and TestManifest list the split memberships.
		TrainManifest string `yaml:"trainManifest"`
		TestManifest  string `yaml:"testManifest"`
	} `yaml:"data"`

	// Training controls the optimization run.
	Training struct {
		Epochs         int     `yaml:"epochs"`
		TrainBatchSize int     `yaml:"trainBatchSize"`
		TestBatchSize  int     `yaml:"testBatchSize"`
		Optimizer      string  `yaml:"optimizer"`
		LearningRate   float64 `yaml:"learningRate"`
		Beta1          float64 `yaml:"beta1"`
		Beta2          float64 `yaml:"beta2"`
		Epsilon        float64 `yaml:"epsilon"`
		WeightDecay    float64 `yaml:"weightDecay"`
		Momentum       float64 `yaml:"momentum"`
		Seed           int64   `yaml:"seed"`

		// Resume is an optional checkpoint path to continue from.
		Resume string `yaml:"resume"`
	} `yaml:"training"`

	// Model selects the backbone.
	Model struct {
		Backbone         string `yaml:"backbone"`
		ZeroInitResidual bool   `yaml:"zeroInitResidual"`
	} `yaml:"model"`

	// Loader controls batch assembly.
	Loader struct {
		// Workers is the number of parallel stack decoders per batch.
		Workers int `yaml:"workers"`

		// CacheSize is the number of decoded stacks kept in memory.
		CacheSize int `yaml:"cacheSize"`
	} `yaml:"loader"`

	// Output locates the run artifacts.
	Output struct {
		CheckpointDir string `yaml:"checkpointDir"`
		TelemetryDir  string `yaml:"telemetryDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Training.Epochs = 20
	cfg.Training.TrainBatchSize = 16
	cfg.Training.TestBatchSize = 1
	cfg.Training.Optimizer = "adam"
	cfg.Training.LearningRate = 1e-3
	cfg.Training.Beta1 = 0.9
	cfg.Training.Beta2 = 0.99
	cfg.Training.Epsilon = 1e-8
	cfg.Training.WeightDecay = 5e-4
	cfg.Training.Seed = 42

	cfg.Model.Backbone = "resnet50"

	cfg.Loader.Workers = runtime.NumCPU()
	cfg.Loader.CacheSize = 1024

	cfg.Output.CheckpointDir = "checkpoints"
	cfg.Output.TelemetryDir = "telemetry"

	return cfg
}

// Load reads a YAML configuration file over the defaults. A missing file
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating the directory if
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate rejects values the run could not start with.
func (cfg *Config) Validate() error {
	if cfg.Training.Epochs <= 0 {
		return fmt.Errorf("epochs %d must be positive", cfg.Training.Epochs)
	}
	if cfg.Training.TrainBatchSize <= 0 || cfg.Training.TestBatchSize <= 0 {
		return fmt.Errorf("batch sizes %d/%d must be positive",
			cfg.Training.TrainBatchSize, cfg.Training.TestBatchSize)
	}
	if cfg.Training.LearningRate <= 0 {
		return fmt.Errorf("learning rate %g must be positive", cfg.Training.LearningRate)
	}
	switch cfg.Training.Optimizer {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", cfg.Training.Optimizer)
	}
	if cfg.Loader.Workers <= 0 {
		return fmt.Errorf("workers %d must be positive", cfg.Loader.Workers)
	}
	return nil
}
