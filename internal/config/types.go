package config

import "time"

// Config is the complete querygate configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api,omitempty"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Kernel    KernelConfig    `yaml:"kernel"`
	Catalog   CatalogConfig   `yaml:"catalog"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

type APIAuthConfig struct {
	// APIKey is a single bearer token with full access. Prefer Tokens.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token and the scopes it grants.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

type DispatchConfig struct {
	Capacity int `yaml:"capacity"`
	// Executors bounds how many admitted queries execute at once.
	Executors int `yaml:"executors"`
	// PendingTick is how often a pending query wakes without other signals.
	PendingTick time.Duration `yaml:"pending_tick"`
}

type InterruptConfig struct {
	Enabled          bool    `yaml:"enabled"`
	RunningCheckFreq float64 `yaml:"running_check_freq"`
	PendingCheckFreq uint    `yaml:"pending_check_freq"`
}

type KernelConfig struct {
	ProgressMarkers int           `yaml:"progress_markers"`
	FragmentCost    time.Duration `yaml:"fragment_cost"`
	GPUEnabled      bool          `yaml:"gpu_enabled"`
}

type CatalogConfig struct {
	// Tables maps table name to row count.
	Tables map[string]int64 `yaml:"tables"`
}

// Defaults returns a Config with the shipped defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "querygate",
			LogLevel:         "info",
			LogFormat:        "json",
			TickInterval:     60 * time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			Capacity:    1,
			Executors:   1,
			PendingTick: 10 * time.Millisecond,
		},
		Interrupt: InterruptConfig{
			Enabled:          true,
			RunningCheckFreq: 0.9,
			PendingCheckFreq: 10,
		},
		Kernel: KernelConfig{
			ProgressMarkers: 1000,
		},
		Catalog: CatalogConfig{
			Tables: map[string]int64{
				"t_large":  1_000_000,
				"t_medium": 100_000,
				"t_small":  1_000,
			},
		},
	}
}
