// Package engine coordinates a query's life from submission to its terminal
// state: registration under its session, admission through the dispatch
// queue, planning and execution, and interruption on request.
//
// A query holds two slots before it runs. The dispatch slot bounds how many
// queries are admitted; the executor slot bounds how many execute. With the
// default single executor, admitted queries stay PENDING behind the running
// one. An entry becomes RUNNING in the same critical section that hands it
// the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/querygate/internal/dispatch"
	"github.com/mattjoyce/querygate/internal/events"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/interrupt"
	"github.com/mattjoyce/querygate/internal/kernel"
	"github.com/mattjoyce/querygate/internal/log"
	"github.com/mattjoyce/querygate/internal/result"
	"github.com/mattjoyce/querygate/internal/session"
)

// SessionIDLength is the length clients are expected to use for session ids.
const SessionIDLength = 32

var ErrInvalidRequest = errors.New("invalid request")

// History records each query's progress. Failures are logged, never surfaced.
type History interface {
	RecordPending(ctx context.Context, r history.Record) error
	MarkRunning(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, c history.Completion) error
}

type Planner interface {
	Plan(ctx context.Context, query string) (*kernel.Plan, error)
}

// Deps are the collaborators the coordinator drives. Catalog and Kernel are
// required; Planner defaults to a kernel.Planner over Catalog.
type Deps struct {
	Catalog kernel.Catalog
	Planner Planner
	Kernel  kernel.Kernel
	History History
	Events  events.Publisher
}

type Options struct {
	Capacity int
	// Executors is the number of queries that may execute at once. Values
	// below 1 mean 1.
	Executors       int
	PendingTick     time.Duration
	Interrupt       interrupt.Settings
	ProgressMarkers int
}

// DefaultOptions returns a single-slot queue with the default interrupt settings.
func DefaultOptions() Options {
	return Options{
		Capacity:        1,
		Executors:       1,
		PendingTick:     dispatch.DefaultPendingTick,
		Interrupt:       interrupt.DefaultSettings(),
		ProgressMarkers: kernel.DefaultProgressMarkers,
	}
}

type Request struct {
	Query     string
	SessionID string
	Device    kernel.Device
	// PendingCheckFreq overrides the configured K for this query when non-zero.
	PendingCheckFreq uint
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Dispatch  dispatch.Stats     `json:"dispatch"`
	Executor  dispatch.Stats     `json:"executor"`
	Sessions  int                `json:"sessions"`
	Interrupt interrupt.Settings `json:"interrupt"`
}

// Coordinator owns the registry, queue and checker for one engine instance.
type Coordinator struct {
	registry *session.Registry
	queue    *dispatch.Queue
	executor *dispatch.Queue
	checker  *interrupt.Checker
	deps     Deps
	markers  int
	logger   *slog.Logger
}

func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("engine: catalog is required")
	}
	if deps.Kernel == nil {
		return nil, fmt.Errorf("engine: kernel is required")
	}
	if deps.Planner == nil {
		deps.Planner = kernel.NewPlanner(deps.Catalog)
	}
	if deps.Events == nil {
		deps.Events = discard{}
	}
	if opts.ProgressMarkers <= 0 {
		opts.ProgressMarkers = kernel.DefaultProgressMarkers
	}

	registry := session.NewRegistry()
	queue, err := dispatch.New(opts.Capacity, opts.PendingTick)
	if err != nil {
		return nil, err
	}
	if opts.Executors < 1 {
		opts.Executors = 1
	}
	executor, err := dispatch.New(opts.Executors, opts.PendingTick)
	if err != nil {
		return nil, err
	}
	checker, err := interrupt.NewChecker(registry, opts.Interrupt)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		registry: registry,
		queue:    queue,
		executor: executor,
		checker:  checker,
		deps:     deps,
		markers:  opts.ProgressMarkers,
		logger:   log.WithComponent("engine"),
	}, nil
}

// Submit runs req to completion and returns its result or the error that
// ended it. An interrupted query never returns a result.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*result.Set, error) {
	return c.run(ctx, uuid.NewString(), req)
}

// SubmitAsync runs req in the background. The returned channel receives
// exactly one Outcome and is never closed.
func (c *Coordinator) SubmitAsync(ctx context.Context, req Request) <-chan result.Outcome {
	id := uuid.NewString()
	out := make(chan result.Outcome, 1)
	go func() {
		rs, err := c.run(ctx, id, req)
		out <- result.Outcome{EntryID: id, Result: rs, Err: err}
	}()
	return out
}

func (c *Coordinator) run(ctx context.Context, id string, req Request) (*result.Set, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is empty", ErrInvalidRequest)
	}
	device := req.Device
	if device == "" {
		device = kernel.DeviceCPU
	}
	if device != kernel.DeviceCPU && device != kernel.DeviceGPU {
		return nil, fmt.Errorf("%w: unknown device %q", ErrInvalidRequest, device)
	}

	logger := log.WithQuery(id, req.SessionID)
	if len(req.SessionID) != SessionIDLength {
		logger.Error("session id has unexpected length", "length", len(req.SessionID), "want", SessionIDLength)
	}

	e := session.NewEntry(id, req.SessionID, req.Query)
	if err := c.registry.Register(req.SessionID, e); err != nil {
		return nil, err
	}
	c.record(ctx, logger, "record pending", func(ctx context.Context) error {
		return c.deps.History.RecordPending(ctx, history.Record{
			ID:        id,
			SessionID: req.SessionID,
			Query:     req.Query,
			Device:    string(device),
			CreatedAt: e.ArrivedAt,
		})
	})
	c.publish(events.QueryPending, e, nil, nil)
	logger.Debug("query pending")

	k := c.checker.PendingFreq(req.PendingCheckFreq)
	wait := dispatch.Request{
		EntryID:   id,
		ArrivedAt: e.ArrivedAt,
		Wake:      c.registry.InterruptSignal(req.SessionID),
		Check:     c.checker.Pending(req.SessionID, k),
		CheckFreq: uint64(k),
	}
	slot, err := c.queue.Acquire(ctx, wait)
	if err != nil {
		c.finish(ctx, logger, e, nil, err)
		return nil, err
	}

	// Still PENDING until the executor is handed over.
	wait.OnGrant = func() error {
		err := c.registry.MarkRunning(e)
		if errors.Is(err, session.ErrSessionInterrupted) {
			return interrupt.ErrPendingQueryInterrupted
		}
		return err
	}
	exec, err := c.executor.Acquire(ctx, wait)
	if err != nil {
		c.finish(ctx, logger, e, nil, err, exec, slot)
		return nil, err
	}

	rs, err := c.execute(ctx, logger, e, device)
	c.finish(ctx, logger, e, rs, err, exec, slot)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (c *Coordinator) execute(ctx context.Context, logger *slog.Logger, e *session.Entry, device kernel.Device) (*result.Set, error) {
	c.record(ctx, logger, "mark running", func(ctx context.Context) error {
		return c.deps.History.MarkRunning(ctx, e.ID, time.Now())
	})
	c.publish(events.QueryRunning, e, nil, nil)
	logger.Debug("query running")

	if err := c.deps.Catalog.Ready(ctx); err != nil {
		return nil, err
	}
	plan, err := c.deps.Planner.Plan(ctx, e.Query)
	if err != nil {
		return nil, err
	}
	return c.deps.Kernel.Execute(ctx, plan, device, c.checker.Running(e.SessionID, c.markers))
}

// finish deregisters e, frees its leases and records the terminal state.
func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, e *session.Entry, rs *result.Set, err error, leases ...*dispatch.Lease) {
	state, kind := classify(err)

	c.registry.Deregister(e.SessionID, e)
	e.Finish(state)
	for _, l := range leases {
		l.Release()
	}

	completion := history.Completion{Status: state}
	if err != nil {
		msg := err.Error()
		completion.LastError = &msg
		completion.ErrorKind = &kind
	} else {
		n := int64(rs.RowCount())
		completion.RowCount = &n
	}
	c.record(ctx, logger, "complete", func(ctx context.Context) error {
		return c.deps.History.Complete(ctx, e.ID, completion)
	})

	switch state {
	case session.StateCompleted:
		logger.Info("query completed", "rows", rs.RowCount())
		c.publish(events.QueryCompleted, e, nil, completion.RowCount)
	case session.StateInterrupted:
		logger.Info("query interrupted", "kind", kind)
		c.publish(events.QueryInterrupted, e, err, nil)
	default:
		logger.Warn("query failed", "kind", kind, "error", err)
		c.publish(events.QueryFailed, e, err, nil)
	}
}

// classify maps a terminal error to the entry state and an error kind label.
func classify(err error) (session.State, string) {
	if err == nil {
		return session.StateCompleted, ""
	}
	if k, ok := interrupt.KindOf(err); ok {
		return session.StateInterrupted, k.String()
	}
	var kerr *kernel.Error
	switch {
	case errors.As(err, &kerr):
		return session.StateFailed, "kernel"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return session.StateFailed, "canceled"
	default:
		return session.StateFailed, "internal"
	}
}

func (c *Coordinator) record(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) {
	if c.deps.History == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("history write failed", "op", op, "error", err)
	}
}

type queryEvent struct {
	QueryID   string        `json:"query_id"`
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Error     string        `json:"error,omitempty"`
	RowCount  *int64        `json:"row_count,omitempty"`
}

func (c *Coordinator) publish(eventType string, e *session.Entry, err error, rows *int64) {
	ev := queryEvent{QueryID: e.ID, SessionID: e.SessionID, State: e.State(), RowCount: rows}
	if err != nil {
		ev.Error = err.Error()
	}
	c.deps.Events.Publish(eventType, ev)
}

// Interrupt asks every query of target to stop. It does not wait for them.
func (c *Coordinator) Interrupt(target, caller string) error {
	if err := c.registry.SetInterrupt(target); err != nil {
		return err
	}
	c.logger.Info("session interrupt requested", "session_id", target, "caller_session_id", caller)
	c.deps.Events.Publish(events.SessionInterrupt, map[string]string{
		"session_id":        target,
		"caller_session_id": caller,
	})
	return nil
}

func (c *Coordinator) ResizeDispatchQueue(n int) error {
	before := c.queue.Stats().Capacity
	if err := c.queue.Resize(n); err != nil {
		return err
	}
	c.deps.Events.Publish(events.DispatchResized, map[string]int{"from": before, "to": n})
	return nil
}

// EnableRuntimeInterrupt turns on running-query checks with sampling rate
// runningFreq and pending check frequency pendingFreq.
func (c *Coordinator) EnableRuntimeInterrupt(runningFreq float64, pendingFreq uint) error {
	return c.ConfigureInterrupt(interrupt.Settings{
		Enabled:          true,
		RunningCheckFreq: runningFreq,
		PendingCheckFreq: pendingFreq,
	})
}

func (c *Coordinator) ConfigureInterrupt(s interrupt.Settings) error {
	if err := c.checker.Configure(s); err != nil {
		return err
	}
	c.logger.Info("interrupt settings changed",
		"enabled", s.Enabled,
		"running_check_freq", s.RunningCheckFreq,
		"pending_check_freq", s.PendingCheckFreq,
	)
	return nil
}

func (c *Coordinator) CurrentRunningSession() (string, bool) {
	return c.registry.CurrentSession()
}

func (c *Coordinator) IsSessionEnrolled(sessionID string) bool {
	return c.registry.IsEnrolled(sessionID)
}

func (c *Coordinator) SessionEntries(sessionID string) []session.EntrySummary {
	return c.registry.Entries(sessionID)
}

func (c *Coordinator) Sessions() []session.SessionSummary {
	return c.registry.Sessions()
}

func (c *Coordinator) WaitRunning(ctx context.Context, sessionID string) error {
	return c.registry.WaitRunning(ctx, sessionID)
}

func (c *Coordinator) WaitEnrolled(ctx context.Context, sessionID string, n int) error {
	return c.registry.WaitEnrolled(ctx, sessionID, n)
}

func (c *Coordinator) WaitGone(ctx context.Context, sessionID string) error {
	return c.registry.WaitGone(ctx, sessionID)
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Dispatch:  c.queue.Stats(),
		Executor:  c.executor.Stats(),
		Sessions:  len(c.registry.Sessions()),
		Interrupt: c.checker.Settings(),
	}
}

type discard struct{}

func (discard) Publish(string, any) {}
