// Package interrupt implements the cooperative interrupt checks consulted by
// pending waiters in the dispatch queue and by running kernels at their
// progress checkpoints. Nothing here ever stops a goroutine; it only reports
// that the owning session asked to stop.
package interrupt

import (
	"fmt"
	"math"
	"sync"
)

// FlagReader exposes the per-session interrupt flag.
type FlagReader interface {
	Interrupted(sessionID string) bool
}

// Settings controls how often the checks consult the flag.
type Settings struct {
	// Enabled turns on running-query checks. Pending checks are always active.
	Enabled bool `json:"enabled"`
	// RunningCheckFreq is the checkpoint sampling rate in (0, 1]. The flag is
	// consulted every round((1-F)*markers) progress markers, at least every marker.
	RunningCheckFreq float64 `json:"running_check_freq"`
	// PendingCheckFreq K: the flag is consulted every K wait-loop iterations.
	PendingCheckFreq uint `json:"pending_check_freq"`
}

// DefaultSettings mirrors the values the engine was tuned with.
func DefaultSettings() Settings {
	return Settings{
		Enabled:          true,
		RunningCheckFreq: 0.9,
		PendingCheckFreq: 10,
	}
}

// Validate checks the frequency ranges.
func (s Settings) Validate() error {
	if s.PendingCheckFreq == 0 {
		return fmt.Errorf("pending_check_freq must be >= 1")
	}
	if math.IsNaN(s.RunningCheckFreq) || s.RunningCheckFreq <= 0 || s.RunningCheckFreq > 1 {
		return fmt.Errorf("running_check_freq must be in (0, 1], got %v", s.RunningCheckFreq)
	}
	return nil
}

// Checker hands out pending checks and running probes bound to a session.
type Checker struct {
	flags FlagReader

	mu       sync.RWMutex
	settings Settings
}

// NewChecker returns a Checker reading flags from r.
func NewChecker(r FlagReader, s Settings) (*Checker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Checker{flags: r, settings: s}, nil
}

// Configure replaces the settings at runtime. In-flight probes keep the
// stride they were created with.
func (c *Checker) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

// Settings returns the current settings.
func (c *Checker) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// PendingFreq resolves the K a waiter uses: override when non-zero,
// otherwise the configured value.
func (c *Checker) PendingFreq(override uint) uint {
	if override != 0 {
		return override
	}
	return c.Settings().PendingCheckFreq
}

// Pending returns the check a waiter runs on every wait-loop iteration.
// freq overrides the configured K when non-zero.
func (c *Checker) Pending(sessionID string, freq uint) func(iteration uint64) error {
	k := uint64(c.PendingFreq(freq))
	return func(iteration uint64) error {
		if iteration == 0 || iteration%k != 0 {
			return nil
		}
		if c.flags.Interrupted(sessionID) {
			return ErrPendingQueryInterrupted
		}
		return nil
	}
}

// Running returns a probe for a kernel that emits markers progress checkpoints.
func (c *Checker) Running(sessionID string, markers int) *Probe {
	s := c.Settings()
	return &Probe{
		sessionID: sessionID,
		flags:     c.flags,
		enabled:   s.Enabled,
		stride:    Stride(s.RunningCheckFreq, markers),
	}
}

// Stride converts a sampling rate into a checkpoint interval.
func Stride(freq float64, markers int) int {
	if markers <= 0 {
		return 1
	}
	stride := int(math.Round((1 - freq) * float64(markers)))
	if stride < 1 {
		stride = 1
	}
	return stride
}

// Probe is polled by the kernel at each progress marker.
type Probe struct {
	sessionID string
	flags     FlagReader
	enabled   bool
	stride    int
}

// Checkpoint is called with a 1-based marker index.
func (p *Probe) Checkpoint(marker int) error {
	if !p.enabled || marker%p.stride != 0 {
		return nil
	}
	if p.flags.Interrupted(p.sessionID) {
		return ErrRunningQueryInterrupted
	}
	return nil
}

// Stride reports the interval this probe was created with.
func (p *Probe) Stride() int { return p.stride }
