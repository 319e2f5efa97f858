// Package scheduler drives durable scheduled actions to completion.
//
// Web handlers enqueue by inserting scheduled_action rows; a single runner
// per deployment claims due rows, invokes the registered handler, and
// settles the row as done, retried with backoff, or failed. Claiming is
// atomic, so a crashed runner leaves rows in running at worst, and startup
// recovery returns those to scheduled.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/store"
)

// HandlerFunc executes one claimed action. Handlers are idempotent by
// contract: the incident state guards duplicate work.
type HandlerFunc func(ctx context.Context, action *store.ScheduledAction) error

// Config tunes the runner.
type Config struct {
	PollInterval      time.Duration
	BatchSize         int
	MaxAttempts       int32
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production runner settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		BatchSize:         10,
		MaxAttempts:       5,
		BaseBackoff:       10 * time.Second,
		MaxBackoff:        15 * time.Minute,
		HeartbeatInterval: 60 * time.Second,
	}
}

// Runner polls for due actions and runs their handlers.
type Runner struct {
	store    *store.Store
	recorder *metrics.Recorder
	config   Config

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	lastHeartbeat atomic.Int64 // unix nanos of the last successful heartbeat

	running         atomic.Bool
	ticker          *time.Ticker
	heartbeatTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

func NewRunner(st *store.Store, recorder *metrics.Recorder, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Runner{
		store:    st,
		recorder: recorder,
		config:   cfg,
		handlers: make(map[string]HandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to an action type. Call before Start.
func (r *Runner) Register(actionType string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[actionType] = fn
	r.mu.Unlock()
}

func (r *Runner) handler(actionType string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[actionType]
}

// Start recovers orphaned rows and launches the poll loop. The runner is a
// singleton per deployment, so every row still in running belongs to a dead
// process and goes back to scheduled.
func (r *Runner) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	recovered, err := r.store.RecoverStuckScheduledActions(ctx, time.Now().UTC())
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("failed to recover stuck actions: %w", err)
	}
	if recovered > 0 {
		slog.Warn("scheduler recovered stuck actions", "count", recovered)
	}

	r.heartbeat(ctx)

	r.ticker = time.NewTicker(r.config.PollInterval)
	r.heartbeatTicker = time.NewTicker(r.config.HeartbeatInterval)
	r.wg.Add(1)
	go r.run()

	slog.Info("scheduler started",
		"poll_interval", r.config.PollInterval,
		"batch_size", r.config.BatchSize,
		"max_attempts", r.config.MaxAttempts,
	)
	return nil
}

// Stop terminates the loop and waits for the in-flight batch.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	close(r.stopCh)
	r.ticker.Stop()
	r.heartbeatTicker.Stop()
	r.wg.Wait()
	slog.Info("scheduler stopped")
}

// LastHeartbeat returns when the runner last proved it can reach the
// database. Zero time means it never has.
func (r *Runner) LastHeartbeat() time.Time {
	nanos := r.lastHeartbeat.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// HeartbeatInterval exposes the configured cadence for readiness math.
func (r *Runner) HeartbeatInterval() time.Duration {
	return r.config.HeartbeatInterval
}

func (r *Runner) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ticker.C:
			r.tick(context.Background())
		case <-r.heartbeatTicker.C:
			r.heartbeat(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// heartbeat proves liveness with a real database round-trip.
func (r *Runner) heartbeat(ctx context.Context) {
	if err := r.store.Ping(ctx); err != nil {
		slog.Error("scheduler heartbeat: ping failed", "error", err)
		return
	}
	now := time.Now().UTC()
	r.lastHeartbeat.Store(now.UnixNano())
	r.recorder.SetHeartbeat(now)
}

// tick claims one batch of due actions and runs them. Batch items run
// concurrently; actions touching the same incident serialize on the
// incident lock inside their handlers.
func (r *Runner) tick(ctx context.Context) {
	now := time.Now().UTC()
	actions, err := r.store.ClaimDueScheduledActions(ctx, now, r.config.BatchSize)
	if err != nil {
		slog.Error("scheduler: claim failed", "error", err)
		return
	}
	if len(actions) == 0 {
		r.recorder.SetSchedulerLag(0)
		return
	}

	var lag time.Duration
	for _, action := range actions {
		if d := now.Sub(action.RunAt); d > lag {
			lag = d
		}
	}
	r.recorder.SetSchedulerLag(lag)

	var wg sync.WaitGroup
	for _, action := range actions {
		wg.Add(1)
		go func(action *store.ScheduledAction) {
			defer wg.Done()
			r.runOne(ctx, action)
		}(action)
	}
	wg.Wait()
}

func (r *Runner) runOne(ctx context.Context, action *store.ScheduledAction) {
	log := slog.With(
		"action_id", action.ID,
		"action_type", action.ActionType,
		"incident_id", action.IncidentID,
		"attempt", action.Attempts,
	)

	handler := r.handler(action.ActionType)
	if handler == nil {
		log.Error("scheduler: no handler registered")
		r.settle(ctx, action, fmt.Errorf("no handler for action type %q", action.ActionType), false)
		return
	}

	start := time.Now()
	err := handler(ctx, action)
	latency := time.Since(start)

	if err == nil {
		r.recorder.RecordScheduledAction(action.ActionType, "done", latency)
		r.finish(ctx, &store.FinishScheduledAction{
			ID:         action.ID,
			State:      store.ActionDone,
			FinishedAt: time.Now().UTC(),
		})
		return
	}

	retryable := action.Attempts < r.config.MaxAttempts
	if retryable {
		r.recorder.RecordScheduledAction(action.ActionType, "retried", latency)
	} else {
		r.recorder.RecordScheduledAction(action.ActionType, "failed", latency)
	}
	log.Warn("scheduler: handler failed", "error", err, "retry", retryable)
	r.settle(ctx, action, err, retryable)
}

// settle moves a failed action to its next state: back to scheduled with
// backoff, or failed for good.
func (r *Runner) settle(ctx context.Context, action *store.ScheduledAction, cause error, retry bool) {
	lastError := cause.Error()
	finish := &store.FinishScheduledAction{
		ID:         action.ID,
		LastError:  &lastError,
		FinishedAt: time.Now().UTC(),
	}
	if retry {
		runAt := time.Now().UTC().Add(r.backoff(action.Attempts))
		finish.State = store.ActionScheduled
		finish.RunAt = &runAt
	} else {
		finish.State = store.ActionFailed
	}
	r.finish(ctx, finish)
}

func (r *Runner) finish(ctx context.Context, finish *store.FinishScheduledAction) {
	if err := r.store.FinishScheduledAction(ctx, finish); err != nil {
		slog.Error("scheduler: finish failed", "action_id", finish.ID, "error", err)
	}
}

// backoff returns base*2^(attempt-1) capped at MaxBackoff, with ±20% jitter
// so synchronized failures do not retry in lockstep.
func (r *Runner) backoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := r.config.BaseBackoff << shift
	if d > r.config.MaxBackoff {
		d = r.config.MaxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
