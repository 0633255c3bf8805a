package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/mattjoyce/querygate/internal/config"
)

type configCheckResult struct {
	Valid  bool             `json:"valid"`
	Path   string           `json:"path,omitempty"`
	Error  string           `json:"error,omitempty"`
	Tables map[string]int64 `json:"tables,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfigForTool(*configPath)
	result := configCheckResult{Valid: err == nil, Path: path}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Tables = cfg.Catalog.Tables
	}

	if *jsonOut {
		data, merr := json.MarshalIndent(result, "", "  ")
		if merr != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", merr)
			return 1
		}
		fmt.Println(string(data))
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
	} else {
		fmt.Printf("Config valid: %s\n", path)
		fmt.Printf("  dispatch: capacity=%d executors=%d pending_tick=%s\n",
			cfg.Dispatch.Capacity, cfg.Dispatch.Executors, cfg.Dispatch.PendingTick)
		fmt.Printf("  interrupt: enabled=%t running_check_freq=%g pending_check_freq=%d\n",
			cfg.Interrupt.Enabled, cfg.Interrupt.RunningCheckFreq, cfg.Interrupt.PendingCheckFreq)
		names := make([]string, 0, len(cfg.Catalog.Tables))
		for name := range cfg.Catalog.Tables {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  table %s: %d rows\n", name, cfg.Catalog.Tables[name])
		}
	}

	if err != nil {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}
	if _, err := config.LoadUnverified(path); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", manifest)
	return 0
}
