package store

import (
	"context"
	"time"
)

// Provider tags the external system an inbox event or outbox message belongs to.
type Provider string

const (
	ProviderTelegram Provider = "telegram"
	ProviderTelnyx   Provider = "telnyx"
)

// InboxEvent is the exactly-once gate for provider webhooks: one row per
// (provider, provider_event_id), enforced by a unique constraint.
type InboxEvent struct {
	ID              int64
	Provider        Provider
	ProviderEventID string
	CorrelationID   string
	Payload         []byte
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
}

// RecordInboxEvent inserts the event and reports whether it was fresh.
// A duplicate delivery returns the stored row with fresh=false, not an error.
func (s *Store) RecordInboxEvent(ctx context.Context, create *InboxEvent) (*InboxEvent, bool, error) {
	return s.driver.RecordInboxEvent(ctx, create)
}

// MarkInboxEventProcessed is called after the domain handler committed.
func (s *Store) MarkInboxEventProcessed(ctx context.Context, provider Provider, providerEventID string, processedAt time.Time) error {
	return s.driver.MarkInboxEventProcessed(ctx, provider, providerEventID, processedAt)
}

// ListUnprocessedInboxEvents returns events received before olderThan whose
// domain handler never completed, oldest first.
func (s *Store) ListUnprocessedInboxEvents(ctx context.Context, olderThan time.Time, limit int) ([]*InboxEvent, error) {
	return s.driver.ListUnprocessedInboxEvents(ctx, olderThan, limit)
}
