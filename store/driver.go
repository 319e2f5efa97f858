package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrLockBusy is returned when the incident advisory lock could not be
	// acquired within the retry window. Callers treat it as a retry signal.
	ErrLockBusy = errors.New("incident lock busy")
)

// Driver is an interface for the database access layer.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Ping(ctx context.Context) error
	IsInitialized(ctx context.Context) (bool, error)

	// WithIncidentLock serializes domain handlers for one incident. fn runs
	// while the lock is held; acquisition retries for up to two seconds
	// before failing with ErrLockBusy.
	WithIncidentLock(ctx context.Context, incidentID uuid.UUID, fn func(ctx context.Context) error) error

	CreateUser(ctx context.Context, create *User) (*User, error)
	GetUser(ctx context.Context, find *FindUser) (*User, error)
	UpdateUser(ctx context.Context, update *UpdateUser) (*User, error)

	CreateGuardianLink(ctx context.Context, create *GuardianLink) (*GuardianLink, error)
	ListGuardianLinks(ctx context.Context, find *FindGuardianLink) ([]*GuardianLink, error)
	UpdateGuardianLink(ctx context.Context, update *UpdateGuardianLink) (*GuardianLink, error)

	CreateIncident(ctx context.Context, create *Incident, seed *ScheduledAction) (*Incident, error)
	GetIncident(ctx context.Context, find *FindIncident) (*Incident, error)
	AcknowledgeIncident(ctx context.Context, ack *AcknowledgeIncident) (*Incident, bool, error)
	CancelIncident(ctx context.Context, cancel *CancelIncident) (*Incident, bool, error)

	UpsertAlert(ctx context.Context, create *Alert) (*Alert, bool, error)
	UpdateAlert(ctx context.Context, update *UpdateAlert) (*Alert, error)
	ListAlerts(ctx context.Context, find *FindAlert) ([]*Alert, error)

	CreateCallAttempt(ctx context.Context, create *CallAttempt) (*CallAttempt, bool, error)
	UpdateCallAttempt(ctx context.Context, update *UpdateCallAttempt) (*CallAttempt, error)
	GetCallAttempt(ctx context.Context, find *FindCallAttempt) (*CallAttempt, error)
	ListCallAttempts(ctx context.Context, find *FindCallAttempt) ([]*CallAttempt, error)

	RecordInboxEvent(ctx context.Context, create *InboxEvent) (*InboxEvent, bool, error)
	MarkInboxEventProcessed(ctx context.Context, provider Provider, providerEventID string, processedAt time.Time) error
	ListUnprocessedInboxEvents(ctx context.Context, olderThan time.Time, limit int) ([]*InboxEvent, error)

	UpsertOutboxMessage(ctx context.Context, create *OutboxMessage) (*OutboxMessage, bool, error)
	MarkOutboxMessageSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error
	MarkOutboxMessageFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ListOutboxMessages(ctx context.Context, find *FindOutboxMessage) ([]*OutboxMessage, error)

	CreateScheduledAction(ctx context.Context, create *ScheduledAction) (*ScheduledAction, bool, error)
	ClaimDueScheduledActions(ctx context.Context, now time.Time, limit int) ([]*ScheduledAction, error)
	FinishScheduledAction(ctx context.Context, finish *FinishScheduledAction) error
	CancelScheduledActions(ctx context.Context, incidentID uuid.UUID) (int64, error)
	RecoverStuckScheduledActions(ctx context.Context, olderThan time.Time) (int64, error)
	ListScheduledActions(ctx context.Context, find *FindScheduledAction) ([]*ScheduledAction, error)

	UpsertMigrationHistory(ctx context.Context, upsert *UpsertMigrationHistory) (*MigrationHistory, error)
	ListMigrationHistories(ctx context.Context, find *FindMigrationHistory) ([]*MigrationHistory, error)
}
