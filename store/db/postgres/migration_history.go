package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/hrygo/protectogram/store"
)

func (d *DB) UpsertMigrationHistory(ctx context.Context, upsert *store.UpsertMigrationHistory) (*store.MigrationHistory, error) {
	stmt := `INSERT INTO migration_history (version, created_at)
		VALUES (` + placeholders(2) + `)
		ON CONFLICT (version) DO UPDATE SET version = EXCLUDED.version
		RETURNING version, created_at`

	var history store.MigrationHistory
	if err := d.db.QueryRowContext(ctx, stmt, upsert.Version, time.Now().UTC()).Scan(
		&history.Version, &history.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to upsert migration history: %w", err)
	}

	return &history, nil
}

func (d *DB) ListMigrationHistories(ctx context.Context, find *store.FindMigrationHistory) ([]*store.MigrationHistory, error) {
	query := `SELECT version, created_at FROM migration_history ORDER BY created_at DESC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration history: %w", err)
	}
	defer rows.Close()

	var histories []*store.MigrationHistory
	for rows.Next() {
		var history store.MigrationHistory
		if err := rows.Scan(&history.Version, &history.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration history: %w", err)
		}
		histories = append(histories, &history)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration history rows: %w", err)
	}

	return histories, nil
}
