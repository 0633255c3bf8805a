// Package janitor reconciles query history left behind by a previous process
// and prunes old history on a fixed tick.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/querygate/internal/events"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/session"
)

const (
	orphanedMessage = "orphaned by restart"
	orphanedKind    = "orphaned"
)

type Options struct {
	TickInterval time.Duration
	// Retention of terminal history rows. Zero disables pruning.
	Retention time.Duration
}

type Janitor struct {
	history HistoryService
	events  events.Publisher
	opts    Options
	logger  *slog.Logger
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

func New(h HistoryService, pub events.Publisher, opts Options, logger *slog.Logger) *Janitor {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	return &Janitor{
		history: h,
		events:  pub,
		opts:    opts,
		logger:  logger.With("component", "janitor"),
		stopCh:  make(chan struct{}),
	}
}

// Start recovers orphaned rows, then runs the prune loop in the background.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("starting janitor", "tick_interval", j.opts.TickInterval, "retention", j.opts.Retention)

	if err := j.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("janitor recovery failed: %w", err)
	}

	j.wg.Add(1)
	go j.loop(ctx)
	return nil
}

func (j *Janitor) Stop() {
	j.stop.Do(func() { close(j.stopCh) })
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.tick(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	var pruned int64
	if j.opts.Retention > 0 {
		n, err := j.history.Prune(ctx, j.opts.Retention)
		if err != nil {
			j.logger.Error("failed to prune query history", "error", err)
		} else {
			pruned = n
		}
	}
	if pruned > 0 {
		j.logger.Info("pruned query history", "rows", pruned)
	}
	if j.events != nil {
		j.events.Publish(events.JanitorTick, map[string]any{
			"at":     time.Now().UTC(),
			"pruned": pruned,
		})
	}
}

// recoverOrphans fails every pending or running row: no process owns them any more.
func (j *Janitor) recoverOrphans(ctx context.Context) error {
	msg := orphanedMessage
	kind := orphanedKind
	for _, status := range []session.State{session.StatePending, session.StateRunning} {
		recs, err := j.history.FindByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("find %s queries: %w", status, err)
		}
		for _, r := range recs {
			j.logger.Warn("marking orphaned query as failed", "query_id", r.ID, "session_id", r.SessionID, "status", status)
			if err := j.history.Complete(ctx, r.ID, history.Completion{
				Status:    session.StateFailed,
				LastError: &msg,
				ErrorKind: &kind,
			}); err != nil {
				j.logger.Error("failed to recover orphaned query", "query_id", r.ID, "error", err)
			}
		}
	}
	return nil
}
