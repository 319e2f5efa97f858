package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AlertChannel string

const (
	AlertChannelChat  AlertChannel = "chat"
	AlertChannelVoice AlertChannel = "voice"
)

type AlertStatus string

const (
	AlertPending   AlertStatus = "pending"
	AlertSent      AlertStatus = "sent"
	AlertDelivered AlertStatus = "delivered"
	AlertFailed    AlertStatus = "failed"
	AlertHalted    AlertStatus = "halted"
)

// Alert records the intent to contact one guardian over one channel for one
// incident. Unique per (incident, audience, channel).
type Alert struct {
	ID             uuid.UUID
	IncidentID     uuid.UUID
	AudienceUserID int32
	Channel        AlertChannel
	Status         AlertStatus
	Attempts       int32
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type FindAlert struct {
	ID             *uuid.UUID
	IncidentID     *uuid.UUID
	AudienceUserID *int32
	Channel        *AlertChannel
	Status         *AlertStatus
}

type UpdateAlert struct {
	ID        uuid.UUID
	Status    *AlertStatus
	Attempts  *int32
	LastError *string
	UpdatedAt time.Time
}

// UpsertAlert inserts the alert or, when the (incident, audience, channel)
// row already exists, returns it unchanged with created=false. Cascade
// seeding runs at least once and must collapse to one row.
func (s *Store) UpsertAlert(ctx context.Context, create *Alert) (*Alert, bool, error) {
	return s.driver.UpsertAlert(ctx, create)
}

func (s *Store) UpdateAlert(ctx context.Context, update *UpdateAlert) (*Alert, error) {
	return s.driver.UpdateAlert(ctx, update)
}

func (s *Store) ListAlerts(ctx context.Context, find *FindAlert) ([]*Alert, error) {
	return s.driver.ListAlerts(ctx, find)
}
