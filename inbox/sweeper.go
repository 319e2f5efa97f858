package inbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/store"
)

const (
	defaultSweepInterval = 60 * time.Second
	// An event this old with no processed_at means its handler crashed
	// between commit points; anything younger may still be in flight.
	defaultMinAge    = 5 * time.Minute
	defaultBatchSize = 100
)

// RedispatchFunc re-runs the domain handling for a stale event. It must be
// idempotent: the original handling may have partially completed.
type RedispatchFunc func(ctx context.Context, event *store.InboxEvent) error

// Sweeper re-drives inbox events whose handler never finished, typically
// after a crash between the domain commit and the processed mark.
type Sweeper struct {
	store    *store.Store
	deduper  *Deduper
	recorder *metrics.Recorder

	interval  time.Duration
	minAge    time.Duration
	batchSize int

	redispatch map[store.Provider]RedispatchFunc

	running atomic.Bool
	ticker  *time.Ticker
	stopCh  chan struct{}
}

func NewSweeper(st *store.Store, deduper *Deduper, recorder *metrics.Recorder) *Sweeper {
	return &Sweeper{
		store:      st,
		deduper:    deduper,
		recorder:   recorder,
		interval:   defaultSweepInterval,
		minAge:     defaultMinAge,
		batchSize:  defaultBatchSize,
		redispatch: make(map[store.Provider]RedispatchFunc),
		stopCh:     make(chan struct{}),
	}
}

// Register binds the redispatch function for one provider. Call before Start.
func (s *Sweeper) Register(provider store.Provider, fn RedispatchFunc) {
	s.redispatch[provider] = fn
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.ticker = time.NewTicker(s.interval)
	go s.run()
	slog.Info("inbox sweeper started", "interval", s.interval, "min_age", s.minAge)
}

// Stop terminates the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	slog.Info("inbox sweeper stopped")
}

func (s *Sweeper) run() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// sweep re-dispatches one batch of stale events. Tests drive it directly.
func (s *Sweeper) sweep(ctx context.Context) {
	olderThan := time.Now().UTC().Add(-s.minAge)
	events, err := s.store.ListUnprocessedInboxEvents(ctx, olderThan, s.batchSize)
	if err != nil {
		slog.Error("inbox sweeper: list failed", "error", err)
		return
	}
	s.recorder.SetInboxUnprocessed(len(events))
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		fn := s.redispatch[event.Provider]
		if fn == nil {
			slog.Warn("inbox sweeper: no redispatch for provider", "provider", event.Provider)
			continue
		}

		if err := fn(ctx, event); err != nil {
			slog.Warn("inbox sweeper: redispatch failed",
				"provider", event.Provider,
				"event_id", event.ProviderEventID,
				"correlation_id", event.CorrelationID,
				"error", err,
			)
			continue
		}

		if err := s.deduper.MarkProcessed(ctx, event.Provider, event.ProviderEventID); err != nil {
			slog.Warn("inbox sweeper: mark processed failed",
				"provider", event.Provider,
				"event_id", event.ProviderEventID,
				"error", err,
			)
			continue
		}
		s.recorder.RecordInboxRedrive(string(event.Provider))
	}
}
