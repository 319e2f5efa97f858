package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ActionState string

const (
	ActionScheduled ActionState = "scheduled"
	ActionRunning   ActionState = "running"
	ActionDone      ActionState = "done"
	ActionCanceled  ActionState = "canceled"
	ActionFailed    ActionState = "failed"
)

// ScheduledAction is a durable timer: a named handler invocation bound to an
// incident, fired at least once at or after RunAt.
type ScheduledAction struct {
	ID         uuid.UUID
	IncidentID uuid.UUID
	ActionType string
	// DedupKey makes enqueueing idempotent: handlers run at least once, and
	// re-enqueueing the same key returns the existing action.
	DedupKey   *string
	RunAt      time.Time
	State      ActionState
	Payload    []byte
	Attempts   int32
	LastError  *string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type FindScheduledAction struct {
	ID         *uuid.UUID
	IncidentID *uuid.UUID
	ActionType *string
	DedupKey   *string
	State      *ActionState
}

// FinishScheduledAction moves a running action to a final state, or back to
// scheduled with a new RunAt for a retry.
type FinishScheduledAction struct {
	ID         uuid.UUID
	State      ActionState // done, failed, or scheduled (retry)
	RunAt      *time.Time  // required when State == scheduled
	LastError  *string
	FinishedAt time.Time
}

// CreateScheduledAction enqueues the action. When DedupKey is set and a row
// with that key exists, the stored action is returned with created=false.
func (s *Store) CreateScheduledAction(ctx context.Context, create *ScheduledAction) (*ScheduledAction, bool, error) {
	return s.driver.CreateScheduledAction(ctx, create)
}

// ClaimDueScheduledActions atomically claims up to limit due actions,
// moving them scheduled -> running and incrementing their attempt counter.
// Concurrent claimers never receive the same row.
func (s *Store) ClaimDueScheduledActions(ctx context.Context, now time.Time, limit int) ([]*ScheduledAction, error) {
	return s.driver.ClaimDueScheduledActions(ctx, now, limit)
}

func (s *Store) FinishScheduledAction(ctx context.Context, finish *FinishScheduledAction) error {
	return s.driver.FinishScheduledAction(ctx, finish)
}

// CancelScheduledActions cancels every scheduled action of an incident.
// The terminal incident transitions call this inside their own transaction;
// this standalone form exists for the admin surface and tests.
func (s *Store) CancelScheduledActions(ctx context.Context, incidentID uuid.UUID) (int64, error) {
	return s.driver.CancelScheduledActions(ctx, incidentID)
}

// RecoverStuckScheduledActions returns to scheduled any action claimed before
// olderThan that never finished. Called once at runner startup so a crash
// mid-handler cannot strand work in running.
func (s *Store) RecoverStuckScheduledActions(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.driver.RecoverStuckScheduledActions(ctx, olderThan)
}

func (s *Store) ListScheduledActions(ctx context.Context, find *FindScheduledAction) ([]*ScheduledAction, error) {
	return s.driver.ListScheduledActions(ctx, find)
}
