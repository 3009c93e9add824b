// Package config loads and validates the build runtime configuration from
// YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"goa.design/reel/runtime/build"
	"goa.design/reel/runtime/build/executor"
)

// Mode selects how provider handlers execute.
type Mode string

const (
	// ModeLive calls the external provider services.
	ModeLive Mode = "live"
	// ModeSimulated synthesizes deterministic stub artifacts.
	ModeSimulated Mode = "simulated"
)

type (
	// Config is the top-level reel.yml configuration.
	Config struct {
		// Mode defaults to simulated.
		Mode Mode `yaml:"mode,omitempty"`
		// Concurrency caps jobs in flight per layer. Defaults to 1.
		Concurrency int `yaml:"concurrency,omitempty"`
		// FailureMode defaults to best-effort.
		FailureMode executor.FailureMode `yaml:"failure_mode,omitempty"`
		// Storage locates the movie's on-disk store.
		Storage StorageConfig `yaml:"storage"`
		// Providers holds per-provider settings keyed by provider name.
		Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	}

	// StorageConfig locates persisted state.
	StorageConfig struct {
		// Root is the storage root. Required.
		Root string `yaml:"root"`
		// BasePath optionally nests the movie under Root.
		BasePath string `yaml:"base_path,omitempty"`
	}
)

// MoviePath returns the directory holding the movie's store.
func (s StorageConfig) MoviePath() string {
	if s.BasePath == "" {
		return s.Root
	}
	return filepath.Join(s.Root, s.BasePath)
}

type (

	// ProviderConfig tunes one provider handler.
	ProviderConfig struct {
		// APIKeyEnv names the environment variable holding the credential.
		APIKeyEnv string `yaml:"api_key_env,omitempty"`
		// DefaultModel is used when a producer declares no model.
		DefaultModel string `yaml:"default_model,omitempty"`
		// ImageModel selects the image generation model for providers that
		// support one.
		ImageModel string `yaml:"image_model,omitempty"`
		// Region applies to AWS-backed providers.
		Region string `yaml:"region,omitempty"`
		// RequestsPerMinute enables the rate-limit middleware when positive.
		RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
		// MaxAttempts overrides the retry budget for this provider.
		MaxAttempts int `yaml:"max_attempts,omitempty"`
	}

	// RunOptions select what a single build run does. They come from the
	// caller, not the config file.
	RunOptions struct {
		// Revision pins the target revision token; empty generates one.
		Revision string
		// UpToLayer stops planning past the given layer when >= 0.
		UpToLayer int
		// ReRunFrom forces layers >= the given index dirty when >= 0.
		ReRunFrom int
		// TargetArtifact restricts the run to the transitive downstream of
		// one artifact.
		TargetArtifact string
		// DryRun plans without executing.
		DryRun bool
		// CostsOnly plans and reports per-provider job counts without
		// executing.
		CostsOnly bool
		// Overrides replaces individual output leaves, keyed by canonical
		// artifact ID. Only the consumers of an overridden leaf re-run.
		Overrides map[string]build.Value
		// NonInteractive suppresses prompts from front-ends driving the
		// build; the runtime itself never prompts.
		NonInteractive bool
	}
)

// DefaultRunOptions returns RunOptions with no restrictions.
func DefaultRunOptions() RunOptions {
	return RunOptions{UpToLayer: -1, ReRunFrom: -1}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	switch c.Mode {
	case "":
		c.Mode = ModeSimulated
	case ModeLive, ModeSimulated:
	default:
		return fmt.Errorf("unknown mode %q (expected live or simulated)", c.Mode)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Concurrency == 0 {
		c.Concurrency = 1
	}
	switch c.FailureMode {
	case "":
		c.FailureMode = executor.BestEffort
	case executor.FailFast, executor.BestEffort:
	default:
		return fmt.Errorf("unknown failure mode %q (expected fail-fast or best-effort)", c.FailureMode)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	for name, p := range c.Providers {
		if p.RequestsPerMinute < 0 {
			return fmt.Errorf("provider %q: requests_per_minute must not be negative", name)
		}
		if p.MaxAttempts < 0 {
			return fmt.Errorf("provider %q: max_attempts must not be negative", name)
		}
	}
	return nil
}
