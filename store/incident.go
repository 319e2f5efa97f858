package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentCanceled     IncidentStatus = "canceled"
)

// AckVia records which channel produced an acknowledgment.
type AckVia string

const (
	AckViaChatButton AckVia = "chat-button"
	AckViaDTMF       AckVia = "dtmf"
)

// Incident is a panic signal raised by a traveler. Terminal statuses are
// monotonic: once status leaves open it never changes again.
type Incident struct {
	ID             uuid.UUID
	TravelerID     int32
	Status         IncidentStatus
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
	AcknowledgedBy *int32
	AckVia         *AckVia
	CanceledAt     *time.Time
	CanceledBy     *int32
}

func (i *Incident) Terminal() bool {
	return i.Status != IncidentOpen
}

type FindIncident struct {
	ID         *uuid.UUID
	TravelerID *int32
	Status     *IncidentStatus
}

// AcknowledgeIncident flips an open incident to acknowledged. The driver runs
// the transition and the cancellation of scheduled actions in one transaction
// under the incident advisory lock.
type AcknowledgeIncident struct {
	ID             uuid.UUID
	AcknowledgedBy int32
	Via            AckVia
	AcknowledgedAt time.Time
}

// CancelIncident flips an open incident to canceled. Same transactional
// shape as AcknowledgeIncident; the first terminal transition wins.
type CancelIncident struct {
	ID         uuid.UUID
	CanceledBy int32
	CanceledAt time.Time
}

// CreateIncident inserts the incident and, when seed is non-nil, its first
// scheduled action in the same transaction, so a crash cannot leave an
// incident without a cascade.
func (s *Store) CreateIncident(ctx context.Context, create *Incident, seed *ScheduledAction) (*Incident, error) {
	return s.driver.CreateIncident(ctx, create, seed)
}

func (s *Store) GetIncident(ctx context.Context, find *FindIncident) (*Incident, error) {
	return s.driver.GetIncident(ctx, find)
}

// AcknowledgeIncident returns the stored incident and whether this call
// performed the transition. Calling it on a terminal incident is not an
// error: the prior decision is returned with applied=false.
func (s *Store) AcknowledgeIncident(ctx context.Context, ack *AcknowledgeIncident) (*Incident, bool, error) {
	return s.driver.AcknowledgeIncident(ctx, ack)
}

func (s *Store) CancelIncident(ctx context.Context, cancel *CancelIncident) (*Incident, bool, error) {
	return s.driver.CancelIncident(ctx, cancel)
}

// WithIncidentLock serializes domain handlers touching one incident. The lock
// is held for the duration of fn; acquisition retries for up to two seconds
// and then fails with ErrLockBusy.
func (s *Store) WithIncidentLock(ctx context.Context, incidentID uuid.UUID, fn func(ctx context.Context) error) error {
	return s.driver.WithIncidentLock(ctx, incidentID, fn)
}
