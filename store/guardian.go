package store

import (
	"context"
	"time"
)

type GuardianLinkStatus string

const (
	GuardianLinkActive  GuardianLinkStatus = "active"
	GuardianLinkRevoked GuardianLinkStatus = "revoked"
)

// GuardianLink designates a watcher as an emergency contact for a traveler.
// Cascade ordering is (PriorityRank ascending, CreatedAt ascending).
type GuardianLink struct {
	ID              int32
	TravelerID      int32
	WatcherID       int32
	PriorityRank    int32 // 1 = contacted first
	RingTimeoutSec  int32
	MaxRetries      int32
	RetryBackoffSec int32
	ChatEnabled     bool
	CallEnabled     bool
	Status          GuardianLinkStatus
	CreatedAt       time.Time
}

type FindGuardianLink struct {
	ID         *int32
	TravelerID *int32
	WatcherID  *int32
	Status     *GuardianLinkStatus
}

type UpdateGuardianLink struct {
	ID              int32
	PriorityRank    *int32
	RingTimeoutSec  *int32
	MaxRetries      *int32
	RetryBackoffSec *int32
	ChatEnabled     *bool
	CallEnabled     *bool
	Status          *GuardianLinkStatus
}

func (s *Store) CreateGuardianLink(ctx context.Context, create *GuardianLink) (*GuardianLink, error) {
	return s.driver.CreateGuardianLink(ctx, create)
}

// ListGuardianLinks returns links ordered by (priority_rank, created_at).
func (s *Store) ListGuardianLinks(ctx context.Context, find *FindGuardianLink) ([]*GuardianLink, error) {
	return s.driver.ListGuardianLinks(ctx, find)
}

func (s *Store) UpdateGuardianLink(ctx context.Context, update *UpdateGuardianLink) (*GuardianLink, error) {
	return s.driver.UpdateGuardianLink(ctx, update)
}
