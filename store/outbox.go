package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage records the intent to perform one outbound provider action.
// The idempotency key is unique; retried sends collapse onto the stored row.
type OutboxMessage struct {
	ID                uuid.UUID
	IdempotencyKey    string
	Channel           AlertChannel
	Payload           []byte
	Status            OutboxStatus
	ProviderMessageID *string
	Attempts          int32
	LastError         *string
	CreatedAt         time.Time
	SentAt            *time.Time
}

type FindOutboxMessage struct {
	IdempotencyKey *string
	Channel        *AlertChannel
	Status         *OutboxStatus
}

// UpsertOutboxMessage inserts the message or returns the stored row when the
// idempotency key exists. First write wins: the stored payload is returned
// unchanged regardless of what the caller passed.
func (s *Store) UpsertOutboxMessage(ctx context.Context, create *OutboxMessage) (*OutboxMessage, bool, error) {
	return s.driver.UpsertOutboxMessage(ctx, create)
}

func (s *Store) MarkOutboxMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	return s.driver.MarkOutboxMessageSent(ctx, id, providerMessageID, sentAt)
}

// MarkOutboxMessageFailed records the failure and increments the attempt
// counter. Re-driving the same idempotency key retries the provider call
// as long as the row never reached sent.
func (s *Store) MarkOutboxMessageFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.driver.MarkOutboxMessageFailed(ctx, id, lastError)
}

func (s *Store) ListOutboxMessages(ctx context.Context, find *FindOutboxMessage) ([]*OutboxMessage, error) {
	return s.driver.ListOutboxMessages(ctx, find)
}
