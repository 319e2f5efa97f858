package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hrygo/protectogram/store"
)

const inboxEventFields = `id, provider, provider_event_id, correlation_id, payload, received_at, processed_at`

func scanInboxEvent(row rowScanner) (*store.InboxEvent, error) {
	var event store.InboxEvent
	if err := row.Scan(
		&event.ID, &event.Provider, &event.ProviderEventID, &event.CorrelationID,
		&event.Payload, &event.ReceivedAt, &event.ProcessedAt,
	); err != nil {
		return nil, err
	}
	return &event, nil
}

// RecordInboxEvent inserts the event, reporting fresh=false for a duplicate
// (provider, provider_event_id) delivery.
func (d *DB) RecordInboxEvent(ctx context.Context, create *store.InboxEvent) (*store.InboxEvent, bool, error) {
	if create.ReceivedAt.IsZero() {
		create.ReceivedAt = time.Now().UTC()
	}

	stmt := `INSERT INTO inbox_event (provider, provider_event_id, correlation_id, payload, received_at)
		VALUES (` + placeholders(5) + `)
		RETURNING id`

	err := d.db.QueryRowContext(ctx, stmt,
		create.Provider, create.ProviderEventID, create.CorrelationID, string(create.Payload), create.ReceivedAt,
	).Scan(&create.ID)
	if err == nil {
		return create, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to record inbox event: %w", err)
	}

	query := `SELECT ` + inboxEventFields + ` FROM inbox_event
		WHERE provider = ` + placeholder(1) + ` AND provider_event_id = ` + placeholder(2)
	stored, serr := scanInboxEvent(d.db.QueryRowContext(ctx, query, create.Provider, create.ProviderEventID))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing inbox event: %w", serr)
	}

	return stored, false, nil
}

func (d *DB) MarkInboxEventProcessed(ctx context.Context, provider store.Provider, providerEventID string, processedAt time.Time) error {
	stmt := `UPDATE inbox_event SET processed_at = ` + placeholder(3) + `
		WHERE provider = ` + placeholder(1) + ` AND provider_event_id = ` + placeholder(2)

	if _, err := d.db.ExecContext(ctx, stmt, provider, providerEventID, processedAt); err != nil {
		return fmt.Errorf("failed to mark inbox event processed: %w", err)
	}
	return nil
}

func (d *DB) ListUnprocessedInboxEvents(ctx context.Context, olderThan time.Time, limit int) ([]*store.InboxEvent, error) {
	query := `SELECT ` + inboxEventFields + ` FROM inbox_event
		WHERE processed_at IS NULL AND received_at < ` + placeholder(1) + `
		ORDER BY received_at
		LIMIT ` + placeholder(2)

	rows, err := d.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed inbox events: %w", err)
	}
	defer rows.Close()

	var events []*store.InboxEvent
	for rows.Next() {
		event, err := scanInboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inbox event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbox event rows: %w", err)
	}

	return events, nil
}
