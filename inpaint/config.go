package inpaint

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-neuralfill/engine"
	"github.com/tsawler/go-neuralfill/network"
	"github.com/tsawler/go-neuralfill/training"
	"github.com/tsawler/go-neuralfill/vision/sampling"
)

// Config captures every knob of an Inpainter
type Config struct {
	Radius         int    `yaml:"radius"`
	ColorizeRadius int    `yaml:"colorize_radius"`
	HiddenLayers   int    `yaml:"hidden_layers"`
	Neurons        int    `yaml:"neurons"`
	Backend        string `yaml:"backend"`
	BatchCapacity  int    `yaml:"batch_capacity"`

	Training   training.Config `yaml:"training"`
	Prediction engine.Options  `yaml:"prediction"`

	ValidationDir  string `yaml:"validation_dir"`
	CheckpointPath string `yaml:"checkpoint_path"`
	Verbose        bool   `yaml:"verbose"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Radius:        3,
		HiddenLayers:  1,
		Neurons:       32,
		Backend:       "basic",
		BatchCapacity: network.DefaultBatchCapacity,
		Training:      training.DefaultConfig(),
		Prediction:    engine.DefaultOptions(),
	}
}

// Overrides captures CLI supplied values
type Overrides struct {
	Radius         int
	ColorizeRadius int
	Neurons        int
	Backend        string
	MaxIterations  int
	Threads        int
	Seed           int64
	ValidationDir  string
	CheckpointPath string
	Verbose        bool
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates the result.
// Keys missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates c using any non-zero override
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Radius > 0 {
		c.Radius = o.Radius
	}
	if o.ColorizeRadius > 0 {
		c.ColorizeRadius = o.ColorizeRadius
	}
	if o.Neurons > 0 {
		c.Neurons = o.Neurons
	}
	if o.Backend != "" {
		c.Backend = o.Backend
	}
	if o.MaxIterations > 0 {
		c.Training.MaxIterations = o.MaxIterations
	}
	if o.Threads > 0 {
		c.Training.Threads = o.Threads
		c.Prediction.Threads = o.Threads
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
	}
	if o.ValidationDir != "" {
		c.ValidationDir = o.ValidationDir
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.Verbose {
		c.Verbose = true
	}
}

// Validate verifies the config is runnable
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Radius < 1 || c.Radius > sampling.MaxRadius {
		return fmt.Errorf("radius must be in [1, %d] (got %d)", sampling.MaxRadius, c.Radius)
	}
	if c.ColorizeRadius < 0 || c.ColorizeRadius > c.Radius {
		return fmt.Errorf("colorize_radius must be in [0, radius] (got %d)", c.ColorizeRadius)
	}
	if c.HiddenLayers < 0 {
		return fmt.Errorf("hidden_layers must be >= 0 (got %d)", c.HiddenLayers)
	}
	if c.Neurons <= 0 {
		return fmt.Errorf("neurons must be > 0 (got %d)", c.Neurons)
	}
	if _, err := network.ParseFormat(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c.BatchCapacity <= 0 {
		return fmt.Errorf("batch_capacity must be > 0 (got %d)", c.BatchCapacity)
	}

	t := c.Training
	if t.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	if t.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be > 0 (got %d)", t.MaxIterations)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", t.MaxRetries)
	}
	if t.IdentityProbability < 0 || t.IdentityProbability > 1 {
		return fmt.Errorf("identity_probability must be in [0, 1] (got %g)", t.IdentityProbability)
	}
	if t.Threads <= 0 {
		return fmt.Errorf("training threads must be > 0 (got %d)", t.Threads)
	}
	if c.Prediction.Threads <= 0 {
		return fmt.Errorf("prediction threads must be > 0 (got %d)", c.Prediction.Threads)
	}
	if err := c.Prediction.Validate(); err != nil {
		return fmt.Errorf("prediction: %w", err)
	}
	return nil
}

// geometry returns the sample layout the config describes
func (c *Config) geometry() (sampling.Geometry, error) {
	return sampling.NewGeometry(c.Radius, c.ColorizeRadius)
}
