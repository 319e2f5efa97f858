// Package inbox gates provider webhooks into exactly-once domain processing.
//
// Every webhook delivery is recorded under its (provider, event id) before
// any domain work runs. Redeliveries collapse onto the stored row, so the
// domain handler observes each provider event once even when the provider
// retries or two replicas race.
package inbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/store"
)

// Deduper records deliveries and marks them processed.
type Deduper struct {
	store    *store.Store
	recorder *metrics.Recorder
}

func NewDeduper(st *store.Store, recorder *metrics.Recorder) *Deduper {
	return &Deduper{store: st, recorder: recorder}
}

// Record stores the delivery and reports whether it is the first one.
// Duplicates are counted but never errors; each event gets a correlation id
// that carries through the logs of its entire handling.
func (d *Deduper) Record(ctx context.Context, provider store.Provider, eventID string, payload []byte) (*store.InboxEvent, bool, error) {
	event, fresh, err := d.store.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		CorrelationID:   shortuuid.New(),
		Payload:         payload,
		ReceivedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if !fresh {
		slog.Debug("inbox: duplicate delivery",
			"provider", provider,
			"event_id", eventID,
			"correlation_id", event.CorrelationID,
		)
		d.recorder.RecordWebhookEvent(string(provider), "duplicate")
	}
	return event, fresh, nil
}

// MarkProcessed is called after the domain handler committed.
func (d *Deduper) MarkProcessed(ctx context.Context, provider store.Provider, eventID string) error {
	return d.store.MarkInboxEventProcessed(ctx, provider, eventID, time.Now().UTC())
}
