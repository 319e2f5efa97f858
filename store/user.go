package store

import (
	"context"
	"time"
)

type User struct {
	ID          int32
	ChatUserID  int64 // chat-provider user id, unique per provider
	ChatChatID  int64 // direct chat id used for outbound messages
	PhoneNumber string
	DisplayName string
	CreatedAt   time.Time
}

type FindUser struct {
	ID         *int32
	ChatUserID *int64
}

type UpdateUser struct {
	ID          int32
	ChatChatID  *int64
	PhoneNumber *string
	DisplayName *string
}

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	return s.driver.CreateUser(ctx, create)
}

func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	return s.driver.GetUser(ctx, find)
}

func (s *Store) UpdateUser(ctx context.Context, update *UpdateUser) (*User, error) {
	return s.driver.UpdateUser(ctx, update)
}
