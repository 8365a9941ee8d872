// Package config provides unified configuration loading for engram.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// EngramConfig contains all engram configuration settings.
type EngramConfig struct {
	// Engine contains the adaptive-math knobs of the graph engine.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Persistence contains snapshot and residency settings.
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`

	// Logging contains settings for operational and decision logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EngineConfig tunes scoring, wave propagation, and generation. Zero
// values mean "use the built-in default"; the engine overlays non-zero
// fields onto its package defaults.
type EngineConfig struct {
	// ContextWindow is the trailing byte window compared against edge
	// fingerprints during scoring.
	ContextWindow int `json:"context_window,omitempty" yaml:"context_window,omitempty"`

	// HierarchyBoost scales the scoring factor for edges predicted by
	// an actively matching hierarchy.
	HierarchyBoost float64 `json:"hierarchy_boost,omitempty" yaml:"hierarchy_boost,omitempty"`

	// ActivationBoost scales the scoring factor for edges whose target
	// is already active in the current wave.
	ActivationBoost float64 `json:"activation_boost,omitempty" yaml:"activation_boost,omitempty"`

	// MaxWaveSteps caps propagation steps per wave; the effective cap
	// adapts to seed ambiguity below this ceiling.
	MaxWaveSteps int `json:"max_wave_steps,omitempty" yaml:"max_wave_steps,omitempty"`

	// Parallelism bounds the per-step scoring fan-out. Zero means one
	// goroutine per active node.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// MaxNodeSteps caps node emissions per generation call.
	MaxNodeSteps int `json:"max_node_steps,omitempty" yaml:"max_node_steps,omitempty"`

	// LoopPeriod is the longest repetition period the generation loop
	// detector scans for.
	LoopPeriod int `json:"loop_period,omitempty" yaml:"loop_period,omitempty"`

	// HazardBaseline is the per-step stop probability used while a
	// node has no emission experience.
	HazardBaseline float64 `json:"hazard_baseline,omitempty" yaml:"hazard_baseline,omitempty"`

	// Seed fixes the sampling source for reproducible generation.
	// Zero seeds from the clock.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// PersistenceConfig configures snapshot loading.
type PersistenceConfig struct {
	// ResidentNodes bounds how many node bodies stay in memory on
	// load. Zero loads the full snapshot eagerly.
	ResidentNodes int `json:"resident_nodes,omitempty" yaml:"resident_nodes,omitempty"`
}

// LoggingConfig configures engram's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables decision logging to .engram/decisions.jsonl.
	Level string `json:"level" yaml:"level"`
}

// Default returns an EngramConfig with sensible defaults.
func Default() *EngramConfig {
	return &EngramConfig{
		Engine: EngineConfig{
			ContextWindow:   4,
			HierarchyBoost:  1.5,
			ActivationBoost: 1.0,
			MaxWaveSteps:    8,
			MaxNodeSteps:    64,
			LoopPeriod:      8,
			HazardBaseline:  0.1,
		},
		Persistence: PersistenceConfig{
			ResidentNodes: 0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.engram/config.yaml -> environment variables
func Load() (*EngramConfig, error) {
	config := Default()

	homeDir, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(homeDir, ".engram", "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*EngramConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *EngramConfig) Validate() error {
	if c.Engine.ContextWindow < 0 {
		return fmt.Errorf("context_window must be non-negative, got %d", c.Engine.ContextWindow)
	}
	if c.Engine.HierarchyBoost < 0 || c.Engine.ActivationBoost < 0 {
		return fmt.Errorf("scoring boosts must be non-negative, got %f and %f",
			c.Engine.HierarchyBoost, c.Engine.ActivationBoost)
	}
	if c.Engine.MaxWaveSteps < 0 || c.Engine.MaxNodeSteps < 0 {
		return fmt.Errorf("step caps must be non-negative, got %d and %d",
			c.Engine.MaxWaveSteps, c.Engine.MaxNodeSteps)
	}
	if c.Engine.HazardBaseline < 0 || c.Engine.HazardBaseline > 1 {
		return fmt.Errorf("hazard_baseline must be between 0 and 1, got %f", c.Engine.HazardBaseline)
	}
	if c.Persistence.ResidentNodes < 0 {
		return fmt.Errorf("resident_nodes must be non-negative, got %d", c.Persistence.ResidentNodes)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *EngramConfig) {
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ENGRAM_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Engine.Seed = n
		}
	}
	if v := os.Getenv("ENGRAM_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.Parallelism = n
		}
	}
	if v := os.Getenv("ENGRAM_MAX_NODE_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Engine.MaxNodeSteps = n
		}
	}
	if v := os.Getenv("ENGRAM_RESIDENT_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Persistence.ResidentNodes = n
		}
	}
	if v := os.Getenv("ENGRAM_HIERARCHY_BOOST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Engine.HierarchyBoost = f
		}
	}
	if v := os.Getenv("ENGRAM_HAZARD_BASELINE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Engine.HazardBaseline = f
		}
	}
}
