package sqlite

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/store"
)

// ============================================================================
// SQLITE SUPPORT POLICY
// ============================================================================
// SQLite is supported for development, tests, and single-process deployments
// only.
//
// Supported:
// - The full store surface, including the scheduler claim queries.
// - Incident serialization via an in-process lock table.
//
// NOT supported:
// - Multiple processes sharing one database file. The incident lock lives in
//   process memory, so a second process would bypass it entirely. Production
//   deployments use PostgreSQL, where the lock is a server-side advisory lock.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
	locks   *incidentLocks
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No shared-cache: it's obsolete; WAL journal mode is a better solution.
	// - No foreign key constraints: it's currently disabled by default, but it's a
	// good practice to be explicit and prevent future surprises on SQLite upgrades.
	// - Journal mode set to WAL: it's the recommended journal mode for most applications
	// as it prevents locking issues.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	// - `_time_format=sqlite` stores time.Time as "YYYY-MM-DD HH:MM:SS.fffffffff+00:00".
	//   All writes are UTC, so string comparison on due-time columns matches
	//   chronological order; the default RFC3339Nano format does not sort at
	//   second boundaries.
	//
	// References:
	// - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
	// - https://www.sqlite.org/sharedcache.html
	// - https://www.sqlite.org/pragma.html
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_time_format=sqlite")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection avoids SQLITE_BUSY under concurrent writers; WAL
	// keeps readers from blocking on it.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile, locks: newIncidentLocks()}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='incident')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

const (
	lockAcquireTimeout = 2 * time.Second
)

// incidentLocks is the single-process stand-in for PostgreSQL advisory locks:
// one slot per incident, acquired with a timeout. Slots are never removed;
// the map stays small at single-process incident volumes.
type incidentLocks struct {
	mu    sync.Mutex
	slots map[uuid.UUID]chan struct{}
}

func newIncidentLocks() *incidentLocks {
	return &incidentLocks{slots: make(map[uuid.UUID]chan struct{})}
}

func (l *incidentLocks) slot(id uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *incidentLocks) acquire(ctx context.Context, id uuid.UUID) error {
	timer := time.NewTimer(lockAcquireTimeout)
	defer timer.Stop()

	select {
	case l.slot(id) <- struct{}{}:
		return nil
	case <-timer.C:
		return store.ErrLockBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *incidentLocks) release(id uuid.UUID) {
	<-l.slot(id)
}

// WithIncidentLock runs fn while holding the in-process incident lock.
func (d *DB) WithIncidentLock(ctx context.Context, incidentID uuid.UUID, fn func(ctx context.Context) error) error {
	if err := d.locks.acquire(ctx, incidentID); err != nil {
		return err
	}
	defer d.locks.release(incidentID)
	return fn(ctx)
}

// isUniqueViolation reports whether err is a unique-constraint violation,
// the signal the idempotent writers turn into "return the stored row".
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is the subset of *sql.DB and *sql.Tx the entity writers need, so
// inserts can run standalone or inside a caller-owned transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ store.Driver = (*DB)(nil)
