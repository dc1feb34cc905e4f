package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Budget    BudgetConfig    `toml:"budget"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Store     StoreConfig     `toml:"store"`
	Backend   BackendConfig   `toml:"backend"`
	Path      string          `toml:"-"`
}

type BudgetConfig struct {
	WarnFrac      float64 `toml:"warn_frac"`
	CriticalFrac  float64 `toml:"critical_frac"`
	EmergencyFrac float64 `toml:"emergency_frac"`
}

type SchedulerConfig struct {
	Concurrency    int `toml:"concurrency"`
	MaxRetries     int `toml:"max_retries"`
	TaskDeadlineMS int `toml:"task_deadline_ms"`
}

type MetricsConfig struct {
	CompletionWeight   float64 `toml:"completion_weight"`
	BudgetHealthWeight float64 `toml:"budget_health_weight"`
	OKRWeight          float64 `toml:"okr_weight"`
	CriticalFloor      float64 `toml:"critical_floor"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type BackendConfig struct {
	Kind    string `toml:"kind"`
	Binary  string `toml:"binary"`
	Workdir string `toml:"workdir"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		Budget:    BudgetConfig{WarnFrac: 0.70, CriticalFrac: 0.90, EmergencyFrac: 0.99},
		Scheduler: SchedulerConfig{Concurrency: 4, MaxRetries: 1, TaskDeadlineMS: 120_000},
		Metrics:   MetricsConfig{CompletionWeight: 0.4, BudgetHealthWeight: 0.3, OKRWeight: 0.3, CriticalFloor: 50},
		Store:     StoreConfig{DBPath: "orgrun.db"},
		Backend:   BackendConfig{Kind: "scripted"},
	}
}

// Load reads a TOML config file. A missing file at the default location is
// not an error; explicit paths must exist. Fields left unset in the file keep
// their defaults.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	b := c.Budget
	if b.WarnFrac <= 0 || b.CriticalFrac <= b.WarnFrac || b.EmergencyFrac <= b.CriticalFrac || b.EmergencyFrac > 1 {
		return fmt.Errorf("budget thresholds must satisfy 0 < warn < critical < emergency <= 1, got %v/%v/%v",
			b.WarnFrac, b.CriticalFrac, b.EmergencyFrac)
	}
	if c.Scheduler.Concurrency < 0 || c.Scheduler.MaxRetries < 0 || c.Scheduler.TaskDeadlineMS < 0 {
		return fmt.Errorf("scheduler settings may not be negative")
	}
	m := c.Metrics
	if m.CompletionWeight < 0 || m.BudgetHealthWeight < 0 || m.OKRWeight < 0 {
		return fmt.Errorf("metrics weights may not be negative")
	}
	switch c.Backend.Kind {
	case "scripted", "command":
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orgrun/config.toml"
	}
	return filepath.Join(home, ".orgrun", "config.toml")
}
