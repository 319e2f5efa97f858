package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection pool from the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// The advisory-lock helpers hold one pooled connection while the locked
	// closure issues queries on others, so the pool must stay comfortably
	// larger than the runner's handler concurrency.
	pgDB.SetMaxOpenConns(25)
	pgDB.SetMaxIdleConns(5)
	pgDB.SetConnMaxLifetime(30 * time.Minute)

	driver := DB{db: pgDB, profile: profile}

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
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'incident')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

const (
	lockAcquireTimeout = 2 * time.Second
	lockRetryInterval  = 50 * time.Millisecond
)

// lockKey folds an incident id into the signed 64-bit keyspace of
// pg_advisory_lock.
func lockKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(id[:])
	return int64(h.Sum64())
}

// withLockedTx begins a transaction, takes the incident advisory lock inside
// it, and runs fn on that transaction. The lock is transaction-scoped, so
// commit or rollback releases it. Acquisition is polled non-blocking to keep
// webhook handlers from parking on a server-side wait queue.
func (d *DB) withLockedTx(ctx context.Context, incidentID uuid.UUID, fn func(tx *sql.Tx) error) error {
	key := lockKey(incidentID)
	deadline := time.Now().Add(lockAcquireTimeout)

	for {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "failed to begin lock transaction")
		}

		var acquired bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", key).Scan(&acquired); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "failed to try incident lock")
		}

		if acquired {
			if err := fn(tx); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return errors.Wrap(err, "failed to commit locked transaction")
			}
			return nil
		}

		tx.Rollback()
		if time.Now().After(deadline) {
			return store.ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// WithIncidentLock runs fn while holding the incident advisory lock. The
// transaction only carries the lock; fn issues its statements through the
// regular pool.
func (d *DB) WithIncidentLock(ctx context.Context, incidentID uuid.UUID, fn func(ctx context.Context) error) error {
	return d.withLockedTx(ctx, incidentID, func(*sql.Tx) error {
		return fn(ctx)
	})
}

// placeholder returns the positional parameter for 1-based index n.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns "$1, $2, ... $n".
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}

func joinSet(set []string) string {
	return strings.Join(set, ", ")
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

// isUniqueViolation reports whether err is a unique-constraint violation,
// the signal the idempotent writers turn into "return the stored row".
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ store.Driver = (*DB)(nil)
