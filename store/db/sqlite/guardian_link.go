package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/protectogram/store"
)

const guardianLinkFields = `id, traveler_id, watcher_id, priority_rank, ring_timeout_sec, max_retries,
	retry_backoff_sec, chat_enabled, call_enabled, status, created_at`

func scanGuardianLink(row rowScanner) (*store.GuardianLink, error) {
	var link store.GuardianLink
	if err := row.Scan(
		&link.ID, &link.TravelerID, &link.WatcherID, &link.PriorityRank, &link.RingTimeoutSec,
		&link.MaxRetries, &link.RetryBackoffSec, &link.ChatEnabled, &link.CallEnabled,
		&link.Status, &link.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &link, nil
}

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	query := `SELECT ` + guardianLinkFields + ` FROM guardian_link WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.TravelerID != nil {
		query += " AND traveler_id = ?"
		args = append(args, *find.TravelerID)
	}
	if find.WatcherID != nil {
		query += " AND watcher_id = ?"
		args = append(args, *find.WatcherID)
	}
	if find.Status != nil {
		query += " AND status = ?"
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
		link, err := scanGuardianLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guardian link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guardian link rows: %w", err)
	}

	return links, nil
}

func (d *DB) UpdateGuardianLink(ctx context.Context, update *store.UpdateGuardianLink) (*store.GuardianLink, error) {
	set, args := []string{}, []any{}

	if update.PriorityRank != nil {
		set = append(set, "priority_rank = ?")
		args = append(args, *update.PriorityRank)
	}
	if update.RingTimeoutSec != nil {
		set = append(set, "ring_timeout_sec = ?")
		args = append(args, *update.RingTimeoutSec)
	}
	if update.MaxRetries != nil {
		set = append(set, "max_retries = ?")
		args = append(args, *update.MaxRetries)
	}
	if update.RetryBackoffSec != nil {
		set = append(set, "retry_backoff_sec = ?")
		args = append(args, *update.RetryBackoffSec)
	}
	if update.ChatEnabled != nil {
		set = append(set, "chat_enabled = ?")
		args = append(args, *update.ChatEnabled)
	}
	if update.CallEnabled != nil {
		set = append(set, "call_enabled = ?")
		args = append(args, *update.CallEnabled)
	}
	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *update.Status)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	stmt := `UPDATE guardian_link SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING ` + guardianLinkFields
	args = append(args, update.ID)

	link, err := scanGuardianLink(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update guardian link: %w", err)
	}

	return link, nil
}
