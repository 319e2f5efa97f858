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
// scheduled action in the same transaction. Callers derive incident ids
// deterministically from the triggering inbox event, so a redelivered panic
// collides on the primary key and gets the stored incident back.
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

	stmt := `INSERT INTO incident (id, traveler_id, status, created_at) VALUES (` + placeholders(4) + `)`
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
	argIdx := 1

	if find.ID != nil {
		query += fmt.Sprintf(" AND id = %s", placeholder(argIdx))
		args = append(args, *find.ID)
		argIdx++
	}
	if find.TravelerID != nil {
		query += fmt.Sprintf(" AND traveler_id = %s", placeholder(argIdx))
		args = append(args, *find.TravelerID)
		argIdx++
	}
	if find.Status != nil {
		query += fmt.Sprintf(" AND status = %s", placeholder(argIdx))
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
		SET status = ` + placeholder(2) + `, acknowledged_at = ` + placeholder(3) + `,
			acknowledged_by = ` + placeholder(4) + `, ack_via = ` + placeholder(5) + `
		WHERE id = ` + placeholder(1) + ` AND status = ` + placeholder(6) + `
		RETURNING ` + incidentFields

	return d.terminalTransition(ctx, ack.ID, stmt,
		ack.ID, store.IncidentAcknowledged, ack.AcknowledgedAt, ack.AcknowledgedBy, ack.Via, store.IncidentOpen)
}

// CancelIncident flips an open incident to canceled. First terminal
// transition wins; repeat calls return the stored decision.
func (d *DB) CancelIncident(ctx context.Context, cancel *store.CancelIncident) (*store.Incident, bool, error) {
	stmt := `UPDATE incident
		SET status = ` + placeholder(2) + `, canceled_at = ` + placeholder(3) + `, canceled_by = ` + placeholder(4) + `
		WHERE id = ` + placeholder(1) + ` AND status = ` + placeholder(5) + `
		RETURNING ` + incidentFields

	return d.terminalTransition(ctx, cancel.ID, stmt,
		cancel.ID, store.IncidentCanceled, cancel.CanceledAt, cancel.CanceledBy, store.IncidentOpen)
}

func (d *DB) terminalTransition(ctx context.Context, id uuid.UUID, stmt string, args ...any) (*store.Incident, bool, error) {
	var incident *store.Incident
	applied := false

	err := d.withLockedTx(ctx, id, func(tx *sql.Tx) error {
		row, err := scanIncident(tx.QueryRowContext(ctx, stmt, args...))
		if err == nil {
			applied = true
			incident = row
			cancelStmt := `UPDATE scheduled_action SET state = ` + placeholder(2) + `, finished_at = ` + placeholder(3) + `
				WHERE incident_id = ` + placeholder(1) + ` AND state = ` + placeholder(4)
			if _, err := tx.ExecContext(ctx, cancelStmt, id, store.ActionCanceled, time.Now().UTC(), store.ActionScheduled); err != nil {
				return fmt.Errorf("failed to cancel scheduled actions: %w", err)
			}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to transition incident: %w", err)
		}

		// Not open: return the stored decision.
		stored, err := scanIncident(tx.QueryRowContext(ctx,
			`SELECT `+incidentFields+` FROM incident WHERE id = `+placeholder(1), id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get incident: %w", err)
		}
		incident = stored
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return incident, applied, nil
}
