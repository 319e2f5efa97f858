package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/store"
)

const outboxMessageFields = `id, idempotency_key, channel, payload, status, provider_message_id, attempts, last_error, created_at, sent_at`

func scanOutboxMessage(row rowScanner) (*store.OutboxMessage, error) {
	var msg store.OutboxMessage
	if err := row.Scan(
		&msg.ID, &msg.IdempotencyKey, &msg.Channel, &msg.Payload, &msg.Status,
		&msg.ProviderMessageID, &msg.Attempts, &msg.LastError, &msg.CreatedAt, &msg.SentAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpsertOutboxMessage inserts the message or returns the stored row when the
// idempotency key exists. First write wins.
func (d *DB) UpsertOutboxMessage(ctx context.Context, create *store.OutboxMessage) (*store.OutboxMessage, bool, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.Status == "" {
		create.Status = store.OutboxPending
	}

	stmt := `INSERT INTO outbox_message (id, idempotency_key, channel, payload, status, attempts, created_at)
		VALUES (` + placeholders(7) + `)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.IdempotencyKey, create.Channel, string(create.Payload),
		create.Status, create.Attempts, create.CreatedAt)
	if err == nil {
		return create, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create outbox message: %w", err)
	}

	query := `SELECT ` + outboxMessageFields + ` FROM outbox_message WHERE idempotency_key = ` + placeholder(1)
	stored, serr := scanOutboxMessage(d.db.QueryRowContext(ctx, query, create.IdempotencyKey))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing outbox message: %w", serr)
	}

	return stored, false, nil
}

func (d *DB) MarkOutboxMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	stmt := `UPDATE outbox_message
		SET status = ` + placeholder(2) + `, provider_message_id = ` + placeholder(3) + `, sent_at = ` + placeholder(4) + `
		WHERE id = ` + placeholder(1)

	if _, err := d.db.ExecContext(ctx, stmt, id, store.OutboxSent, providerMessageID, sentAt); err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	return nil
}

func (d *DB) MarkOutboxMessageFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	stmt := `UPDATE outbox_message
		SET status = ` + placeholder(2) + `, last_error = ` + placeholder(3) + `, attempts = attempts + 1
		WHERE id = ` + placeholder(1)

	if _, err := d.db.ExecContext(ctx, stmt, id, store.OutboxFailed, lastError); err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	return nil
}

func (d *DB) ListOutboxMessages(ctx context.Context, find *store.FindOutboxMessage) ([]*store.OutboxMessage, error) {
	query := `SELECT ` + outboxMessageFields + ` FROM outbox_message WHERE 1=1`
	args := []any{}
	argIdx := 1

	if find.IdempotencyKey != nil {
		query += fmt.Sprintf(" AND idempotency_key = %s", placeholder(argIdx))
		args = append(args, *find.IdempotencyKey)
		argIdx++
	}
	if find.Channel != nil {
		query += fmt.Sprintf(" AND channel = %s", placeholder(argIdx))
		args = append(args, *find.Channel)
		argIdx++
	}
	if find.Status != nil {
		query += fmt.Sprintf(" AND status = %s", placeholder(argIdx))
		args = append(args, *find.Status)
	}

	query += " ORDER BY created_at"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox message rows: %w", err)
	}

	return messages, nil
}
