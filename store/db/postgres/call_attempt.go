package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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
		VALUES (` + placeholders(6) + `)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.AlertID, create.AttemptNo, create.ProviderCallID, create.Result, create.StartedAt)
	if err == nil {
		return create, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create call attempt: %w", err)
	}

	query := `SELECT ` + callAttemptFields + ` FROM call_attempt
		WHERE alert_id = ` + placeholder(1) + ` AND attempt_no = ` + placeholder(2)
	stored, serr := scanCallAttempt(d.db.QueryRowContext(ctx, query, create.AlertID, create.AttemptNo))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing call attempt: %w", serr)
	}

	return stored, false, nil
}

func (d *DB) UpdateCallAttempt(ctx context.Context, update *store.UpdateCallAttempt) (*store.CallAttempt, error) {
	set, args := []string{}, []any{}
	argIdx := 1

	if update.ProviderCallID != nil {
		set = append(set, fmt.Sprintf("provider_call_id = %s", placeholder(argIdx)))
		args = append(args, *update.ProviderCallID)
		argIdx++
	}
	if update.Result != nil {
		set = append(set, fmt.Sprintf("result = %s", placeholder(argIdx)))
		args = append(args, *update.Result)
		argIdx++
	}
	if update.DTMFDigit != nil {
		set = append(set, fmt.Sprintf("dtmf_digit = %s", placeholder(argIdx)))
		args = append(args, *update.DTMFDigit)
		argIdx++
	}
	if update.ErrorCode != nil {
		set = append(set, fmt.Sprintf("error_code = %s", placeholder(argIdx)))
		args = append(args, *update.ErrorCode)
		argIdx++
	}
	if update.EndedAt != nil {
		set = append(set, fmt.Sprintf("ended_at = %s", placeholder(argIdx)))
		args = append(args, *update.EndedAt)
		argIdx++
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	stmt := fmt.Sprintf(`UPDATE call_attempt SET %s WHERE id = %s RETURNING `+callAttemptFields,
		joinSet(set), placeholder(argIdx))
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
	argIdx := 1

	if find.ID != nil {
		query += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *find.ID)
		argIdx++
	}
	if find.AlertID != nil {
		query += fmt.Sprintf(" AND alert_id = %s", placeholder(argIdx))
		args = append(args, *find.AlertID)
		argIdx++
	}
	if find.ProviderCallID != nil {
		query += fmt.Sprintf(" AND provider_call_id = %s", placeholder(argIdx))
		args = append(args, *find.ProviderCallID)
		argIdx++
	}
	if find.Result != nil {
		query += fmt.Sprintf(" AND result = %s", placeholder(argIdx))
		args = append(args, *find.Result)
	}

	return query, args
}
