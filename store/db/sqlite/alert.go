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

const alertFields = `id, incident_id, audience_user_id, channel, status, attempts, last_error, created_at, updated_at`

func scanAlert(row rowScanner) (*store.Alert, error) {
	var alert store.Alert
	if err := row.Scan(
		&alert.ID, &alert.IncidentID, &alert.AudienceUserID, &alert.Channel, &alert.Status,
		&alert.Attempts, &alert.LastError, &alert.CreatedAt, &alert.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &alert, nil
}

// UpsertAlert inserts the alert or returns the stored row when the
// (incident, audience, channel) key already exists.
func (d *DB) UpsertAlert(ctx context.Context, create *store.Alert) (*store.Alert, bool, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	now := time.Now().UTC()
	if create.CreatedAt.IsZero() {
		create.CreatedAt = now
	}
	if create.UpdatedAt.IsZero() {
		create.UpdatedAt = now
	}
	if create.Status == "" {
		create.Status = store.AlertPending
	}

	stmt := `INSERT INTO alert (id, incident_id, audience_user_id, channel, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.IncidentID, create.AudienceUserID, create.Channel, create.Status,
		create.Attempts, create.CreatedAt, create.UpdatedAt)
	if err == nil {
		return create, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}

	query := `SELECT ` + alertFields + ` FROM alert
		WHERE incident_id = ? AND audience_user_id = ? AND channel = ?`
	stored, serr := scanAlert(d.db.QueryRowContext(ctx, query, create.IncidentID, create.AudienceUserID, create.Channel))
	if serr != nil {
		return nil, false, fmt.Errorf("failed to load existing alert: %w", serr)
	}

	return stored, false, nil
}

func (d *DB) UpdateAlert(ctx context.Context, update *store.UpdateAlert) (*store.Alert, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set = append(set, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Attempts != nil {
		set = append(set, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastError != nil {
		set = append(set, "last_error = ?")
		args = append(args, *update.LastError)
	}

	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	set = append(set, "updated_at = ?")
	args = append(args, updatedAt)

	stmt := `UPDATE alert SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING ` + alertFields
	args = append(args, update.ID)

	alert, err := scanAlert(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	return alert, nil
}

func (d *DB) ListAlerts(ctx context.Context, find *store.FindAlert) ([]*store.Alert, error) {
	query := `SELECT ` + alertFields + ` FROM alert WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.IncidentID != nil {
		query += " AND incident_id = ?"
		args = append(args, *find.IncidentID)
	}
	if find.AudienceUserID != nil {
		query += " AND audience_user_id = ?"
		args = append(args, *find.AudienceUserID)
	}
	if find.Channel != nil {
		query += " AND channel = ?"
		args = append(args, *find.Channel)
	}
	if find.Status != nil {
		query += " AND status = ?"
		args = append(args, *find.Status)
	}

	query += " ORDER BY created_at"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*store.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}

	return alerts, nil
}
