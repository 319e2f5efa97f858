package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/store"
)

const scheduledActionFields = `id, incident_id, action_type, dedup_key, run_at, state, payload, attempts, last_error, created_at, started_at, finished_at`

func scanScheduledAction(row rowScanner) (*store.ScheduledAction, error) {
	var action store.ScheduledAction
	if err := row.Scan(
		&action.ID, &action.IncidentID, &action.ActionType, &action.DedupKey, &action.RunAt,
		&action.State, &action.Payload, &action.Attempts, &action.LastError,
		&action.CreatedAt, &action.StartedAt, &action.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &action, nil
}

// insertScheduledAction writes the row through q, which may be a transaction.
// Unique-violation classification is left to the caller: inside an aborted
// transaction no follow-up query can run.
func insertScheduledAction(ctx context.Context, q querier, create *store.ScheduledAction) (*store.ScheduledAction, bool, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.State == "" {
		create.State = store.ActionScheduled
	}
	payload := string(create.Payload)
	if payload == "" {
		payload = "{}"
	}

	stmt := `INSERT INTO scheduled_action (id, incident_id, action_type, dedup_key, run_at, state, payload, attempts, created_at)
		VALUES (` + placeholders(9) + `)`

	if _, err := q.ExecContext(ctx, stmt,
		create.ID, create.IncidentID, create.ActionType, create.DedupKey, create.RunAt,
		create.State, payload, create.Attempts, create.CreatedAt); err != nil {
		return nil, false, err
	}

	return create, true, nil
}

// CreateScheduledAction enqueues the action. A dedup-key collision returns
// the stored action with created=false.
func (d *DB) CreateScheduledAction(ctx context.Context, create *store.ScheduledAction) (*store.ScheduledAction, bool, error) {
	action, created, err := insertScheduledAction(ctx, d.db, create)
	if err == nil {
		return action, created, nil
	}
	if !isUniqueViolation(err) || create.DedupKey == nil {
		return nil, false, fmt.Errorf("failed to create scheduled action: %w", err)
	}

	query := `SELECT ` + scheduledActionFields + ` FROM scheduled_action WHERE dedup_key = ` + placeholder(1)
	stored, serr := scanScheduledAction(d.db.QueryRowContext(ctx, query, *create.DedupKey))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing scheduled action: %w", serr)
	}

	return stored, false, nil
}

// ClaimDueScheduledActions moves up to limit due actions scheduled -> running
// and returns them. SKIP LOCKED keeps concurrent claimers from double-firing
// a row.
func (d *DB) ClaimDueScheduledActions(ctx context.Context, now time.Time, limit int) ([]*store.ScheduledAction, error) {
	stmt := `UPDATE scheduled_action
		SET state = ` + placeholder(1) + `, started_at = ` + placeholder(2) + `, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scheduled_action
			WHERE state = ` + placeholder(3) + ` AND run_at <= ` + placeholder(4) + `
			ORDER BY run_at
			LIMIT ` + placeholder(5) + `
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + scheduledActionFields

	rows, err := d.db.QueryContext(ctx, stmt, store.ActionRunning, now, store.ActionScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim scheduled actions: %w", err)
	}
	defer rows.Close()

	var actions []*store.ScheduledAction
	for rows.Next() {
		action, err := scanScheduledAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled action rows: %w", err)
	}

	return actions, nil
}

// FinishScheduledAction resolves a running action: done or failed for good,
// or back to scheduled with a new run_at for a retry. A row no longer in
// running is left alone.
func (d *DB) FinishScheduledAction(ctx context.Context, finish *store.FinishScheduledAction) error {
	var stmt string
	var args []any

	switch finish.State {
	case store.ActionScheduled:
		if finish.RunAt == nil {
			return errors.New("run_at required to reschedule")
		}
		stmt = `UPDATE scheduled_action
			SET state = ` + placeholder(2) + `, run_at = ` + placeholder(3) + `, last_error = ` + placeholder(4) + `,
				started_at = NULL, finished_at = NULL
			WHERE id = ` + placeholder(1) + ` AND state = ` + placeholder(5)
		args = []any{finish.ID, store.ActionScheduled, *finish.RunAt, finish.LastError, store.ActionRunning}
	case store.ActionDone, store.ActionFailed:
		finishedAt := finish.FinishedAt
		if finishedAt.IsZero() {
			finishedAt = time.Now().UTC()
		}
		stmt = `UPDATE scheduled_action
			SET state = ` + placeholder(2) + `, last_error = ` + placeholder(3) + `, finished_at = ` + placeholder(4) + `
			WHERE id = ` + placeholder(1) + ` AND state = ` + placeholder(5)
		args = []any{finish.ID, finish.State, finish.LastError, finishedAt, store.ActionRunning}
	default:
		return fmt.Errorf("invalid finish state %q", finish.State)
	}

	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to finish scheduled action: %w", err)
	}
	return nil
}

func (d *DB) CancelScheduledActions(ctx context.Context, incidentID uuid.UUID) (int64, error) {
	stmt := `UPDATE scheduled_action SET state = ` + placeholder(2) + `, finished_at = ` + placeholder(3) + `
		WHERE incident_id = ` + placeholder(1) + ` AND state = ` + placeholder(4)

	res, err := d.db.ExecContext(ctx, stmt, incidentID, store.ActionCanceled, time.Now().UTC(), store.ActionScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel scheduled actions: %w", err)
	}
	return res.RowsAffected()
}

// RecoverStuckScheduledActions returns to scheduled any action claimed before
// olderThan that never finished.
func (d *DB) RecoverStuckScheduledActions(ctx context.Context, olderThan time.Time) (int64, error) {
	stmt := `UPDATE scheduled_action
		SET state = ` + placeholder(1) + `, started_at = NULL
		WHERE state = ` + placeholder(2) + ` AND started_at < ` + placeholder(3)

	res, err := d.db.ExecContext(ctx, stmt, store.ActionScheduled, store.ActionRunning, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck scheduled actions: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) ListScheduledActions(ctx context.Context, find *store.FindScheduledAction) ([]*store.ScheduledAction, error) {
	query := `SELECT ` + scheduledActionFields + ` FROM scheduled_action WHERE 1=1`
	args := []any{}
	argIdx := 1

	if find.ID != nil {
		query += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *find.ID)
		argIdx++
	}
	if find.IncidentID != nil {
		query += fmt.Sprintf(" AND incident_id = %s", placeholder(argIdx))
		args = append(args, *find.IncidentID)
		argIdx++
	}
	if find.ActionType != nil {
		query += fmt.Sprintf(" AND action_type = %s", placeholder(argIdx))
		args = append(args, *find.ActionType)
		argIdx++
	}
	if find.DedupKey != nil {
		query += fmt.Sprintf(" AND dedup_key = %s", placeholder(argIdx))
		args = append(args, *find.DedupKey)
		argIdx++
	}
	if find.State != nil {
		query += fmt.Sprintf(" AND state = %s", placeholder(argIdx))
		args = append(args, *find.State)
	}

	query += " ORDER BY run_at"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled actions: %w", err)
	}
	defer rows.Close()

	var actions []*store.ScheduledAction
	for rows.Next() {
		action, err := scanScheduledAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled action: %w", err)
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled action rows: %w", err)
	}

	return actions, nil
}
