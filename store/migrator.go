package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/protectogram/internal/version"
)

//go:embed migration
var migrationFS embed.FS

const (
	latestSchemaFileName = "LATEST.sql"
	migrateFileNameSplit = "__"
)

// Migrate brings the schema up to date. A fresh database receives the full
// latest schema in one shot; an initialized one gets the pending versioned
// migration files applied in semver order.
func (s *Store) Migrate(ctx context.Context) error {
	initialized, err := s.driver.IsInitialized(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to check database state")
	}

	if !initialized {
		if err := s.applyLatestSchema(ctx); err != nil {
			return errors.Wrap(err, "failed to apply latest schema")
		}
		schemaVersion := version.GetSchemaVersion(version.Version)
		if _, err := s.driver.UpsertMigrationHistory(ctx, &UpsertMigrationHistory{Version: schemaVersion}); err != nil {
			return errors.Wrap(err, "failed to record schema version")
		}
		slog.Info("database initialized", "schemaVersion", schemaVersion)
		return nil
	}

	pending, err := s.PendingMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range pending {
		buf, err := migrationFS.ReadFile(m.Path)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration file %s", m.Path)
		}
		if err := s.execute(ctx, string(buf)); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", m.Version)
		}
		if _, err := s.driver.UpsertMigrationHistory(ctx, &UpsertMigrationHistory{Version: m.Version}); err != nil {
			return errors.Wrapf(err, "failed to record migration %s", m.Version)
		}
		slog.Info("migration applied", "version", m.Version, "file", filepath.Base(m.Path))
	}
	return nil
}

// Migration is one pending schema change file.
type Migration struct {
	Version string
	Path    string
}

// PendingMigrations lists embedded migration files whose version is greater
// than the newest recorded one.
func (s *Store) PendingMigrations(ctx context.Context) ([]Migration, error) {
	current, err := s.CurrentSchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	all, err := s.listMigrations()
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(all))
	for _, m := range all {
		if version.IsVersionGreaterThan(m.Version, current) {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// CurrentSchemaVersion returns the newest version recorded in
// migration_history, or "0.0.0" for an empty history.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (string, error) {
	histories, err := s.driver.ListMigrationHistories(ctx, &FindMigrationHistory{})
	if err != nil {
		return "", errors.Wrap(err, "failed to list migration history")
	}
	if len(histories) == 0 {
		return "0.0.0", nil
	}
	versions := make([]string, 0, len(histories))
	for _, h := range histories {
		versions = append(versions, h.Version)
	}
	sort.Sort(version.SortVersion(versions))
	return versions[len(versions)-1], nil
}

func (s *Store) applyLatestSchema(ctx context.Context) error {
	path := s.migrationBasePath() + latestSchemaFileName
	buf, err := migrationFS.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read latest schema %s", path)
	}
	return s.execute(ctx, string(buf))
}

// listMigrations walks migration/{driver}/{minor}/NN__name.sql and assigns
// each file the version "{minor}.{NN}", sorted ascending.
func (s *Store) listMigrations() ([]Migration, error) {
	base := strings.TrimSuffix(s.migrationBasePath(), "/")
	entries, err := fs.ReadDir(migrationFS, base)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migration dir %s", base)
	}

	migrations := []Migration{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		minor := entry.Name()
		files, err := fs.ReadDir(migrationFS, base+"/"+minor)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read migration dir %s", minor)
		}
		for _, f := range files {
			name := f.Name()
			seq, _, found := strings.Cut(name, migrateFileNameSplit)
			if !found {
				continue
			}
			patch := strings.TrimLeft(seq, "0")
			if patch == "" {
				patch = "0"
			}
			migrations = append(migrations, Migration{
				Version: fmt.Sprintf("%s.%s", minor, patch),
				Path:    base + "/" + minor + "/" + name,
			})
		}
	}

	sort.Slice(migrations, func(i, j int) bool {
		return version.IsVersionGreaterThan(migrations[j].Version, migrations[i].Version)
	})
	return migrations, nil
}

func (s *Store) migrationBasePath() string {
	return fmt.Sprintf("migration/%s/", s.profile.Driver)
}

func (s *Store) execute(ctx context.Context, stmt string) error {
	tx, err := s.driver.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin migration transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to execute statement")
	}
	return tx.Commit()
}
