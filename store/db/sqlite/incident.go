package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/store"
)

const incidentFields = `id, traveler_id, status, created_at, acknowledged_at, acknowledged_by, ack_via, canceled_at, canceled_by`

func scanIncident(row rowScanner) (*store.Incident, error) {
	var incident store.Incident
	if err := row.Scan(
		&incident.ID, &incident.TravelerID, &incident.Status, &incident.CreatedAt,
		&incident.AcknowledgedAt, &incident.AcknowledgedBy, &incident.AckVia,
		&incident.CanceledAt, &incident.CanceledBy,
	); err != nil {
		return nil, err
	}
	return &incident, nil
}

// CreateIncident inserts the incident and, when seed is non-nil, its first
// scheduled action in the same transaction. A duplicate deterministic id
// returns the stored incident.
func (d *DB) CreateIncident(ctx context.Context, create *store.Incident, seed *store.ScheduledAction) (*store.Incident, error) {
	if create.ID == uuid.Nil {
		create.ID = uuid.New()
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.Status == "" {
		create.Status = store.IncidentOpen
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := `INSERT INTO incident (id, traveler_id, status, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt, create.ID, create.TravelerID, create.Status, create.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return d.GetIncident(ctx, &store.FindIncident{ID: &create.ID})
		}
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	if seed != nil {
		seed.IncidentID = create.ID
		if _, _, err := insertScheduledAction(ctx, tx, seed); err != nil {
			return nil, fmt.Errorf("failed to seed scheduled action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return create, nil
}

func (d *DB) GetIncident(ctx context.Context, find *store.FindIncident) (*store.Incident, error) {
	query := `SELECT ` + incidentFields + ` FROM incident WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.TravelerID != nil {
		query += " AND traveler_id = ?"
		args = append(args, *find.TravelerID)
	}
	if find.Status != nil {
		query += " AND status = ?"
		args = append(args, *find.Status)
	}

	query += " ORDER BY created_at DESC LIMIT 1"

	incident, err := scanIncident(d.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	return incident, nil
}

// AcknowledgeIncident flips an open incident to acknowledged and cancels its
// scheduled actions, all in one transaction under the incident lock. When the
// incident is already terminal the stored row is returned with applied=false.
func (d *DB) AcknowledgeIncident(ctx context.Context, ack *store.AcknowledgeIncident) (*store.Incident, bool, error) {
	stmt := `UPDATE incident
		SET status = ?, acknowledged_at = ?, acknowledged_by = ?, ack_via = ?
		WHERE id = ? AND status = ?
		RETURNING ` + incidentFields

	return d.terminalTransition(ctx, ack.ID, stmt,
		store.IncidentAcknowledged, ack.AcknowledgedAt, ack.AcknowledgedBy, ack.Via, ack.ID, store.IncidentOpen)
}

// CancelIncident flips an open incident to canceled. First terminal
// transition wins; repeat calls return the stored decision.
func (d *DB) CancelIncident(ctx context.Context, cancel *store.CancelIncident) (*store.Incident, bool, error) {
	stmt := `UPDATE incident
		SET status = ?, canceled_at = ?, canceled_by = ?
		WHERE id = ? AND status = ?
		RETURNING ` + incidentFields

	return d.terminalTransition(ctx, cancel.ID, stmt,
		store.IncidentCanceled, cancel.CanceledAt, cancel.CanceledBy, cancel.ID, store.IncidentOpen)
}

func (d *DB) terminalTransition(ctx context.Context, id uuid.UUID, stmt string, args ...any) (*store.Incident, bool, error) {
	if err := d.locks.acquire(ctx, id); err != nil {
		return nil, false, err
	}
	defer d.locks.release(id)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	incident, err := scanIncident(tx.QueryRowContext(ctx, stmt, args...))
	if err == nil {
		cancelStmt := `UPDATE scheduled_action SET state = ?, finished_at = ?
			WHERE incident_id = ? AND state = ?`
		if _, err := tx.ExecContext(ctx, cancelStmt, store.ActionCanceled, time.Now().UTC(), id, store.ActionScheduled); err != nil {
			return nil, false, fmt.Errorf("failed to cancel scheduled actions: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return incident, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to transition incident: %w", err)
	}

	// Not open: return the stored decision.
	stored, err := scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentFields+` FROM incident WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, store.ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stored, false, nil
}
