package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/store"
)

const callAttemptFields = `id, alert_id, attempt_no, provider_call_id, result, dtmf_digit, error_code, started_at, ended_at`

func scanCallAttempt(row rowScanner) (*store.CallAttempt, error) {
	var attempt store.CallAttempt
	if err := row.Scan(
		&attempt.ID, &attempt.AlertID, &attempt.AttemptNo, &attempt.ProviderCallID,
		&attempt.Result, &attempt.DTMFDigit, &attempt.ErrorCode, &attempt.StartedAt, &attempt.EndedAt,
	); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// CreateCallAttempt inserts the attempt or returns the stored row when
// (alert_id, attempt_no) already exists.
func (d *DB) CreateCallAttempt(ctx context.Context, create *store.CallAttempt) (*store.CallAttempt, bool, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	if create.StartedAt.IsZero() {
		create.StartedAt = time.Now().UTC()
	}
	if create.Result == "" {
		create.Result = store.CallPending
	}

	stmt := `INSERT INTO call_attempt (id, alert_id, attempt_no, provider_call_id, result, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.AlertID, create.AttemptNo, create.ProviderCallID, create.Result, create.StartedAt)
	if err == nil {
		return create, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create call attempt: %w", err)
	}

	query := `SELECT ` + callAttemptFields + ` FROM call_attempt
		WHERE alert_id = ? AND attempt_no = ?`
	stored, serr := scanCallAttempt(d.db.QueryRowContext(ctx, query, create.AlertID, create.AttemptNo))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing call attempt: %w", serr)
	}

	return stored, false, nil
}

func (d *DB) UpdateCallAttempt(ctx context.Context, update *store.UpdateCallAttempt) (*store.CallAttempt, error) {
	set, args := []string{}, []any{}

	if update.ProviderCallID != nil {
		set = append(set, "provider_call_id = ?")
		args = append(args, *update.ProviderCallID)
	}
	if update.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *update.Result)
	}
	if update.DTMFDigit != nil {
		set = append(set, "dtmf_digit = ?")
		args = append(args, *update.DTMFDigit)
	}
	if update.ErrorCode != nil {
		set = append(set, "error_code = ?")
		args = append(args, *update.ErrorCode)
	}
	if update.EndedAt != nil {
		set = append(set, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	stmt := `UPDATE call_attempt SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING ` + callAttemptFields
	args = append(args, update.ID)

	attempt, err := scanCallAttempt(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update call attempt: %w", err)
	}

	return attempt, nil
}

func (d *DB) GetCallAttempt(ctx context.Context, find *store.FindCallAttempt) (*store.CallAttempt, error) {
	query, args := buildCallAttemptQuery(find)
	query += " ORDER BY attempt_no DESC LIMIT 1"

	attempt, err := scanCallAttempt(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call attempt: %w", err)
	}

	return attempt, nil
}

func (d *DB) ListCallAttempts(ctx context.Context, find *store.FindCallAttempt) ([]*store.CallAttempt, error) {
	query, args := buildCallAttemptQuery(find)
	query += " ORDER BY attempt_no"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list call attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*store.CallAttempt
	for rows.Next() {
		attempt, err := scanCallAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call attempt rows: %w", err)
	}

	return attempts, nil
}

func buildCallAttemptQuery(find *store.FindCallAttempt) (string, []any) {
	query := `SELECT ` + callAttemptFields + ` FROM call_attempt WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.AlertID != nil {
		query += " AND alert_id = ?"
		args = append(args, *find.AlertID)
	}
	if find.ProviderCallID != nil {
		query += " AND provider_call_id = ?"
		args = append(args, *find.ProviderCallID)
	}
	if find.Result != nil {
		query += " AND result = ?"
		args = append(args, *find.Result)
	}

	return query, args
}
