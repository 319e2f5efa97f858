package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/protectogram/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}

	stmt := `INSERT INTO user (chat_user_id, chat_chat_id, phone_number, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`

	if err := d.db.QueryRowContext(ctx, stmt,
		create.ChatUserID, create.ChatChatID, create.PhoneNumber, create.DisplayName, create.CreatedAt,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return create, nil
}

func (d *DB) GetUser(ctx context.Context, find *store.FindUser) (*store.User, error) {
	query := `SELECT id, chat_user_id, chat_chat_id, phone_number, display_name, created_at
		FROM user WHERE 1=1`
	args := []any{}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, *find.ID)
	}
	if find.ChatUserID != nil {
		query += " AND chat_user_id = ?"
		args = append(args, *find.ChatUserID)
	}

	query += " LIMIT 1"

	var user store.User
	err := d.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID, &user.ChatUserID, &user.ChatChatID, &user.PhoneNumber, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

func (d *DB) UpdateUser(ctx context.Context, update *store.UpdateUser) (*store.User, error) {
	set, args := []string{}, []any{}

	if update.ChatChatID != nil {
		set = append(set, "chat_chat_id = ?")
		args = append(args, *update.ChatChatID)
	}
	if update.PhoneNumber != nil {
		set = append(set, "phone_number = ?")
		args = append(args, *update.PhoneNumber)
	}
	if update.DisplayName != nil {
		set = append(set, "display_name = ?")
		args = append(args, *update.DisplayName)
	}
	if len(set) == 0 {
		return d.GetUser(ctx, &store.FindUser{ID: &update.ID})
	}

	stmt := `UPDATE user SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, chat_user_id, chat_chat_id, phone_number, display_name, created_at`
	args = append(args, update.ID)

	var user store.User
	err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&user.ID, &user.ChatUserID, &user.ChatChatID, &user.PhoneNumber, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	return &user, nil
}
