// Package teststore creates migrated throwaway stores for package tests.
package teststore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/store"
	"github.com/hrygo/protectogram/store/db"
)

// NewTestingStore returns a store backed by a fresh SQLite database under
// the test's temp dir, fully migrated.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	p := &profile.Profile{
		Mode:   "test",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "protectogram_test.db"),
	}

	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))
	return st
}
