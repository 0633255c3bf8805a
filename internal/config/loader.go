package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config at configPath.
// A directory is accepted and resolved to its config.yaml. When a
// .checksums manifest sits next to the file it must match.
func Load(configPath string) (*Config, error) {
	absPath, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyIfLocked(absPath); err != nil {
		return nil, err
	}
	return LoadUnverified(absPath)
}

// LoadUnverified is Load without the .checksums comparison. config lock uses
// it to re-pin a file that was edited after the last lock.
func LoadUnverified(configPath string) (*Config, error) {
	absPath, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	return cfg, nil
}

// Parse decodes YAML over Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	// Configured tables replace the default catalog rather than merging with it.
	cfg.Catalog.Tables = nil

	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Catalog.Tables == nil {
		cfg.Catalog.Tables = Defaults().Catalog.Tables
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Discover finds a config file in the standard locations:
// $QUERYGATE_CONFIG, ~/.config/querygate, /etc/querygate, ./config.yaml.
func Discover() (string, error) {
	if p := os.Getenv("QUERYGATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "querygate", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	for _, p := range []string{"/etc/querygate/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $QUERYGATE_CONFIG, ~/.config/querygate, /etc/querygate, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Validate checks ranges and required fields.
func Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("service.log_level: unknown level %q", cfg.Service.LogLevel))
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("service.log_format: must be json or text, got %q", cfg.Service.LogFormat))
	}
	if cfg.Service.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("service.tick_interval must be > 0"))
	}
	if cfg.Service.HistoryRetention < 0 {
		errs = append(errs, fmt.Errorf("service.history_retention must be >= 0"))
	}
	if cfg.State.Path == "" {
		errs = append(errs, fmt.Errorf("state.path is required"))
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			errs = append(errs, fmt.Errorf("api.listen: %w", err))
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			errs = append(errs, fmt.Errorf("api.auth: api_key or tokens required when api is enabled"))
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); m != nil {
			errs = append(errs, fmt.Errorf("api.auth.api_key: environment variable %s is not set", m[1]))
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				errs = append(errs, fmt.Errorf("api.auth.tokens[%d]: token is empty", i))
			}
			if m := envVarPattern.FindStringSubmatch(tok.Token); m != nil {
				errs = append(errs, fmt.Errorf("api.auth.tokens[%d]: environment variable %s is not set", i, m[1]))
			}
			if len(tok.Scopes) == 0 {
				errs = append(errs, fmt.Errorf("api.auth.tokens[%d]: at least one scope is required", i))
			}
		}
	}

	if cfg.Dispatch.Capacity < 1 {
		errs = append(errs, fmt.Errorf("dispatch.capacity must be >= 1, got %d", cfg.Dispatch.Capacity))
	}
	if cfg.Dispatch.Executors < 1 {
		errs = append(errs, fmt.Errorf("dispatch.executors must be >= 1, got %d", cfg.Dispatch.Executors))
	}
	if cfg.Dispatch.PendingTick <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.pending_tick must be > 0"))
	}

	if cfg.Interrupt.PendingCheckFreq < 1 {
		errs = append(errs, fmt.Errorf("interrupt.pending_check_freq must be >= 1"))
	}
	if f := cfg.Interrupt.RunningCheckFreq; !(f > 0 && f <= 1) {
		errs = append(errs, fmt.Errorf("interrupt.running_check_freq must be in (0, 1], got %v", f))
	}

	if cfg.Kernel.ProgressMarkers < 1 {
		errs = append(errs, fmt.Errorf("kernel.progress_markers must be >= 1"))
	}
	if cfg.Kernel.FragmentCost < 0 {
		errs = append(errs, fmt.Errorf("kernel.fragment_cost must be >= 0"))
	}

	if len(cfg.Catalog.Tables) == 0 {
		errs = append(errs, fmt.Errorf("catalog.tables must list at least one table"))
	}
	for name, rows := range cfg.Catalog.Tables {
		if rows < 0 {
			errs = append(errs, fmt.Errorf("catalog.tables.%s: row count must be >= 0", name))
		}
	}

	return errors.Join(errs...)
}
