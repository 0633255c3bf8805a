package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/querygate/internal/api"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/lock"
	"github.com/mattjoyce/querygate/internal/storage"
	"github.com/mattjoyce/querygate/internal/tui/watch"
)

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func (r *statusReport) add(name string, err error, detail string) {
	c := statusCheck{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		c.Detail = err.Error()
	}
	r.Checks = append(r.Checks, c)
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := collectStatus(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%s: %s (%s)\n", c.Name, state, c.Detail)
			} else {
				fmt.Printf("%s: %s\n", c.Name, state)
			}
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func collectStatus(configPath string) statusReport {
	var report statusReport

	cfg, path, err := loadConfigForTool(configPath)
	report.add("config_load", err, path)
	if err != nil {
		skipped := errors.New("skipped: config not loaded")
		report.add("state_db", skipped, "")
		report.add("pid_lock", skipped, "")
		return report
	}

	report.add("state_db", checkStateDB(cfg.State.Path), cfg.State.Path)

	running, pid, err := probeLock(lock.PathFor(cfg.State.Path))
	report.Running, report.PID = running, pid
	detail := "not running"
	if running {
		detail = fmt.Sprintf("running (pid %d)", pid)
	}
	report.add("pid_lock", err, detail)

	if running && cfg.API.Enabled {
		url := "http://" + cfg.API.Listen
		h, err := fetchHealth(url)
		detail := url
		if err == nil {
			detail = fmt.Sprintf("%s capacity=%d occupied=%d waiting=%d",
				url, h.Dispatch.Capacity, h.Dispatch.Occupied, h.Dispatch.Waiting)
		}
		report.add("api", err, detail)
	}

	report.Healthy = true
	for _, c := range report.Checks {
		if !c.OK {
			report.Healthy = false
		}
	}
	return report
}

func checkStateDB(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = history.New(db).Depth(ctx)
	return err
}

// probeLock reports whether another process holds the PID lock at path.
func probeLock(path string) (bool, int, error) {
	l, err := lock.Acquire(path)
	if errors.Is(err, lock.ErrLocked) {
		pid, _ := lock.ReadPID(path)
		return true, pid, nil
	}
	if err != nil {
		return false, 0, err
	}
	return false, 0, l.Release()
}

func fetchHealth(baseURL string) (*api.HealthzResponse, error) {
	c := &http.Client{Timeout: 3 * time.Second}
	resp, err := c.Get(baseURL + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthz returned %s", resp.Status)
	}
	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &h, nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or QUERYGATE_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

