// Package config loads and validates planloom's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root planloom configuration.
type Config struct {
	General     General     `toml:"general"`
	Locks       Locks       `toml:"locks"`
	Attention   Attention   `toml:"attention"`
	MonteCarlo  MonteCarlo  `toml:"montecarlo"`
	Markov      Markov      `toml:"markov"`
	Calibration Calibration `toml:"calibration"`
	Temporal    Temporal    `toml:"temporal"`
}

// General holds process-wide settings.
type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
	Calendar string `toml:"calendar"` // "all_days" (default) or "weekdays"
}

// Locks configures the default Lock Manager TTL (spec §4.8).
type Locks struct {
	DefaultTTL Duration `toml:"default_ttl"`
}

// Attention holds Attention Engine settings (spec §4.10). Only MaxListSize
// is passed to the engine; attention.Compute uses fixed 7-day due-soon and
// 24-hour recent-change windows, so DueSoonWindow and RecentChangeWindow are
// defaulted and loaded but have no effect.
type Attention struct {
	DueSoonWindow      Duration `toml:"due_soon_window"`
	RecentChangeWindow Duration `toml:"recent_change_window"`
	MaxListSize        int      `toml:"max_list_size"`
}

// MonteCarlo configures C4 defaults (spec §4.4).
type MonteCarlo struct {
	DefaultIterations int     `toml:"default_iterations"`
	QueuingDelayK     float64 `toml:"queuing_delay_k"`
	YieldEvery        int     `toml:"yield_every"`
}

// Markov configures C5 defaults (spec §4.5).
type Markov struct {
	StepSize         Duration `toml:"step_size"`
	LaplaceSmoothing float64  `toml:"laplace_smoothing"`
}

// Calibration configures the C3 fallback prior (spec §9 open question).
type Calibration struct {
	FallbackOptimistic  float64 `toml:"fallback_optimistic"`
	FallbackMostLikely  float64 `toml:"fallback_most_likely"`
	FallbackPessimistic float64 `toml:"fallback_pessimistic"`
	MinSamples          int     `toml:"min_samples"`
}

// Temporal configures the optional Temporal-backed C9 workflow / C4 activity wiring.
// plannerd reads Enabled and HostPort; the worker always serves
// temporalflow.TaskQueue in the client's default namespace, so Namespace and
// TaskQueue have no effect.
type Temporal struct {
	Enabled   bool   `toml:"enabled"`
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Clone returns a deep copy so callers can mutate the result safely.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

// Load reads and validates a planloom TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, useful for tests
// and for the CLI wrapper when no config file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.Calendar == "" {
		cfg.General.Calendar = "all_days"
	}
	if cfg.Locks.DefaultTTL.Duration == 0 {
		cfg.Locks.DefaultTTL.Duration = 15 * time.Minute
	}
	if cfg.Attention.DueSoonWindow.Duration == 0 {
		cfg.Attention.DueSoonWindow.Duration = 7 * 24 * time.Hour
	}
	if cfg.Attention.RecentChangeWindow.Duration == 0 {
		cfg.Attention.RecentChangeWindow.Duration = 24 * time.Hour
	}
	if cfg.Attention.MaxListSize == 0 {
		cfg.Attention.MaxListSize = 20
	}
	if cfg.MonteCarlo.DefaultIterations == 0 {
		cfg.MonteCarlo.DefaultIterations = 10000
	}
	if cfg.MonteCarlo.QueuingDelayK == 0 {
		cfg.MonteCarlo.QueuingDelayK = 0.25
	}
	if cfg.MonteCarlo.YieldEvery == 0 {
		cfg.MonteCarlo.YieldEvery = 256
	}
	if cfg.Markov.StepSize.Duration == 0 {
		cfg.Markov.StepSize.Duration = 24 * time.Hour
	}
	if cfg.Markov.LaplaceSmoothing == 0 {
		cfg.Markov.LaplaceSmoothing = 0.01
	}
	if cfg.Calibration.FallbackOptimistic == 0 {
		cfg.Calibration.FallbackOptimistic = 1
	}
	if cfg.Calibration.FallbackMostLikely == 0 {
		cfg.Calibration.FallbackMostLikely = 3
	}
	if cfg.Calibration.FallbackPessimistic == 0 {
		cfg.Calibration.FallbackPessimistic = 7
	}
	if cfg.Calibration.MinSamples == 0 {
		cfg.Calibration.MinSamples = 3
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "planloom-task-queue"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Calibration.FallbackOptimistic > cfg.Calibration.FallbackMostLikely {
		return fmt.Errorf("calibration.fallback_optimistic must be <= fallback_most_likely")
	}
	if cfg.Calibration.FallbackMostLikely > cfg.Calibration.FallbackPessimistic {
		return fmt.Errorf("calibration.fallback_most_likely must be <= fallback_pessimistic")
	}
	if cfg.Calibration.MinSamples < 1 {
		return fmt.Errorf("calibration.min_samples must be >= 1")
	}
	if cfg.MonteCarlo.DefaultIterations < 1 {
		return fmt.Errorf("montecarlo.default_iterations must be >= 1")
	}
	if cfg.MonteCarlo.YieldEvery < 1 {
		return fmt.Errorf("montecarlo.yield_every must be >= 1")
	}
	if cfg.Markov.LaplaceSmoothing < 0 || cfg.Markov.LaplaceSmoothing >= 1 {
		return fmt.Errorf("markov.laplace_smoothing must be in [0, 1)")
	}
	switch cfg.General.Calendar {
	case "all_days", "weekdays":
	default:
		return fmt.Errorf("general.calendar must be one of: all_days, weekdays")
	}
	if cfg.Locks.DefaultTTL.Duration <= 0 {
		return fmt.Errorf("locks.default_ttl must be > 0")
	}
	return nil
}
