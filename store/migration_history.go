package store

import (
	"context"
	"time"
)

type MigrationHistory struct {
	Version   string
	CreatedAt time.Time
}

type UpsertMigrationHistory struct {
	Version string
}

type FindMigrationHistory struct {
}

func (s *Store) UpsertMigrationHistory(ctx context.Context, upsert *UpsertMigrationHistory) (*MigrationHistory, error) {
	return s.driver.UpsertMigrationHistory(ctx, upsert)
}

// ListMigrationHistories returns applied schema versions, newest first.
func (s *Store) ListMigrationHistories(ctx context.Context, find *FindMigrationHistory) ([]*MigrationHistory, error) {
	return s.driver.ListMigrationHistories(ctx, find)
}
