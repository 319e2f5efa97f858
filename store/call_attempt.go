package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CallResult string

const (
	CallPending         CallResult = "pending"
	CallRinging         CallResult = "ringing"
	CallAnsweredHuman   CallResult = "answered-human"
	CallAnsweredMachine CallResult = "answered-machine"
	CallNoAnswer        CallResult = "no-answer"
	CallBusy            CallResult = "busy"
	CallFailed          CallResult = "failed"
	CallAcknowledged    CallResult = "acknowledged"
)

// Terminal reports whether the result ends the attempt.
func (r CallResult) Terminal() bool {
	return r != CallPending && r != CallRinging
}

// CallAttempt is a single voice-call placement under an alert. At most one
// attempt per alert may be live (pending or ringing), enforced by a partial
// unique index.
type CallAttempt struct {
	ID             uuid.UUID
	AlertID        uuid.UUID
	AttemptNo      int32 // 1-based within the alert
	ProviderCallID *string
	Result         CallResult
	DTMFDigit      *string
	ErrorCode      *string
	StartedAt      time.Time
	EndedAt        *time.Time
}

type FindCallAttempt struct {
	ID             *uuid.UUID
	AlertID        *uuid.UUID
	ProviderCallID *string
	Result         *CallResult
}

type UpdateCallAttempt struct {
	ID             uuid.UUID
	ProviderCallID *string
	Result         *CallResult
	DTMFDigit      *string
	ErrorCode      *string
	EndedAt        *time.Time
}

// CreateCallAttempt inserts the attempt or, if (alert, attempt_no) already
// exists, returns the stored row with created=false.
func (s *Store) CreateCallAttempt(ctx context.Context, create *CallAttempt) (*CallAttempt, bool, error) {
	return s.driver.CreateCallAttempt(ctx, create)
}

func (s *Store) UpdateCallAttempt(ctx context.Context, update *UpdateCallAttempt) (*CallAttempt, error) {
	return s.driver.UpdateCallAttempt(ctx, update)
}

func (s *Store) GetCallAttempt(ctx context.Context, find *FindCallAttempt) (*CallAttempt, error) {
	return s.driver.GetCallAttempt(ctx, find)
}

// ListCallAttempts returns attempts ordered by attempt_no ascending.
func (s *Store) ListCallAttempts(ctx context.Context, find *FindCallAttempt) ([]*CallAttempt, error) {
	return s.driver.ListCallAttempts(ctx, find)
}
