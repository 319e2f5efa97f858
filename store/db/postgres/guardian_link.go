package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/protectogram/store"
)

func (d *DB) CreateGuardianLink(ctx context.Context, create *store.GuardianLink) (*store.GuardianLink, error) {
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.Status == "" {
		create.Status = store.GuardianLinkActive
	}

	stmt := `INSERT INTO guardian_link (
			traveler_id, watcher_id, priority_rank, ring_timeout_sec, max_retries,
			retry_backoff_sec, chat_enabled, call_enabled, status, created_at)
		VALUES (` + placeholders(10) + `)
		RETURNING id`

	if err := d.db.QueryRowContext(ctx, stmt,
		create.TravelerID, create.WatcherID, create.PriorityRank, create.RingTimeoutSec, create.MaxRetries,
		create.RetryBackoffSec, create.ChatEnabled, create.CallEnabled, create.Status, create.CreatedAt,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create guardian link: %w", err)
	}

	return create, nil
}

func (d *DB) ListGuardianLinks(ctx context.Context, find *store.FindGuardianLink) ([]*store.GuardianLink, error) {
	query := `SELECT id, traveler_id, watcher_id, priority_rank, ring_timeout_sec, max_retries,
			retry_backoff_sec, chat_enabled, call_enabled, status, created_at
		FROM guardian_link WHERE 1=1`
	args := []any{}
	argIdx := 1

	if find.ID != nil {
		query += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *find.ID)
		argIdx++
	}
	if find.TravelerID != nil {
		query += fmt.Sprintf(" AND traveler_id = %s", placeholder(argIdx))
		args = append(args, *find.TravelerID)
		argIdx++
	}
	if find.WatcherID != nil {
		query += fmt.Sprintf(" AND watcher_id = %s", placeholder(argIdx))
		args = append(args, *find.WatcherID)
		argIdx++
	}
	if find.Status != nil {
		query += fmt.Sprintf(" AND status = %s", placeholder(argIdx))
		args = append(args, *find.Status)
	}

	query += " ORDER BY priority_rank, created_at"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardian links: %w", err)
	}
	defer rows.Close()

	var links []*store.GuardianLink
	for rows.Next() {
		var link store.GuardianLink
		if err := rows.Scan(
			&link.ID, &link.TravelerID, &link.WatcherID, &link.PriorityRank, &link.RingTimeoutSec,
			&link.MaxRetries, &link.RetryBackoffSec, &link.ChatEnabled, &link.CallEnabled,
			&link.Status, &link.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan guardian link: %w", err)
		}
		links = append(links, &link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guardian link rows: %w", err)
	}

	return links, nil
}

func (d *DB) UpdateGuardianLink(ctx context.Context, update *store.UpdateGuardianLink) (*store.GuardianLink, error) {
	set, args := []string{}, []any{}
	argIdx := 1

	if update.PriorityRank != nil {
		set = append(set, fmt.Sprintf("priority_rank = %s", placeholder(argIdx)))
		args = append(args, *update.PriorityRank)
		argIdx++
	}
	if update.RingTimeoutSec != nil {
		set = append(set, fmt.Sprintf("ring_timeout_sec = %s", placeholder(argIdx)))
		args = append(args, *update.RingTimeoutSec)
		argIdx++
	}
	if update.MaxRetries != nil {
		set = append(set, fmt.Sprintf("max_retries = %s", placeholder(argIdx)))
		args = append(args, *update.MaxRetries)
		argIdx++
	}
	if update.RetryBackoffSec != nil {
		set = append(set, fmt.Sprintf("retry_backoff_sec = %s", placeholder(argIdx)))
		args = append(args, *update.RetryBackoffSec)
		argIdx++
	}
	if update.ChatEnabled != nil {
		set = append(set, fmt.Sprintf("chat_enabled = %s", placeholder(argIdx)))
		args = append(args, *update.ChatEnabled)
		argIdx++
	}
	if update.CallEnabled != nil {
		set = append(set, fmt.Sprintf("call_enabled = %s", placeholder(argIdx)))
		args = append(args, *update.CallEnabled)
		argIdx++
	}
	if update.Status != nil {
		set = append(set, fmt.Sprintf("status = %s", placeholder(argIdx)))
		args = append(args, *update.Status)
		argIdx++
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	stmt := fmt.Sprintf(`UPDATE guardian_link SET %s WHERE id = %s
		RETURNING id, traveler_id, watcher_id, priority_rank, ring_timeout_sec, max_retries,
			retry_backoff_sec, chat_enabled, call_enabled, status, created_at`,
		joinSet(set), placeholder(argIdx))
	args = append(args, update.ID)

	var link store.GuardianLink
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&link.ID, &link.TravelerID, &link.WatcherID, &link.PriorityRank, &link.RingTimeoutSec,
		&link.MaxRetries, &link.RetryBackoffSec, &link.ChatEnabled, &link.CallEnabled,
		&link.Status, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update guardian link: %w", err)
	}

	return &link, nil
}
