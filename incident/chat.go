package incident

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/store"
)

// HandleChatUpdate processes one deduplicated inbound chat update. Returning
// an error leaves the inbox row unprocessed, so the sweeper redelivers it;
// anything the bot should simply ignore returns nil after a log line.
func (s *Service) HandleChatUpdate(ctx context.Context, update *chat.Update) error {
	if !s.chatAllowed(update.ChatID) {
		slog.Warn("chat update from outside the allowlist",
			"chat_id", update.ChatID, "chat_user_id", update.UserID)
		return nil
	}

	switch update.Kind {
	case chat.UpdateKindMessage:
		return s.handleChatMessage(ctx, update)
	case chat.UpdateKindCallback:
		return s.handleChatCallback(ctx, update)
	default:
		slog.Warn("unknown chat update kind", "kind", update.Kind)
		return nil
	}
}

func (s *Service) chatAllowed(chatID int64) bool {
	if len(s.profile.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range s.profile.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (s *Service) handleChatMessage(ctx context.Context, update *chat.Update) error {
	switch parseCommand(update.Text) {
	case "/start":
		return s.replyDirect(ctx, update.ChatID, msgBotConnected)
	case "/ping":
		return s.replyDirect(ctx, update.ChatID, msgPong)
	case "/panic":
		return s.handlePanicCommand(ctx, update)
	default:
		slog.Debug("ignoring chat message", "chat_id", update.ChatID)
		return nil
	}
}

func (s *Service) handlePanicCommand(ctx context.Context, update *chat.Update) error {
	if !s.profile.FeaturePanic {
		slog.Warn("panic command while the feature is disabled", "chat_id", update.ChatID)
		return nil
	}

	user, err := s.store.GetUser(ctx, &store.FindUser{ChatUserID: &update.UserID})
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("panic command from unknown user",
			"chat_user_id", update.UserID, "username", update.Username)
		return nil
	}
	if err != nil {
		return err
	}

	// Keep the stored chat current so alerts and confirmations land where
	// the user actually is.
	if user.ChatChatID != update.ChatID {
		if _, err := s.store.UpdateUser(ctx, &store.UpdateUser{ID: user.ID, ChatChatID: &update.ChatID}); err != nil {
			return err
		}
	}

	_, _, err = s.Open(ctx, user.ID)
	return err
}

func (s *Service) handleChatCallback(ctx context.Context, update *chat.Update) error {
	action, incidentID, err := DecodeCallback(update.CallbackData)
	if err != nil {
		slog.Warn("malformed callback payload",
			"chat_user_id", update.UserID, "error", err)
		s.answerCallback(ctx, update.CallbackID, "")
		return nil
	}

	user, err := s.store.GetUser(ctx, &store.FindUser{ChatUserID: &update.UserID})
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("callback from unknown user", "chat_user_id", update.UserID)
		s.answerCallback(ctx, update.CallbackID, "")
		return nil
	}
	if err != nil {
		return err
	}

	switch action {
	case CallbackAck:
		_, _, err = s.Acknowledge(ctx, incidentID, user.ID, store.AckViaChatButton)
	case CallbackCancel:
		_, _, err = s.Cancel(ctx, incidentID, user.ID)
		if errors.Is(err, ErrNotAllowed) {
			slog.Warn("cancel attempted by non-traveler",
				"incident_id", incidentID, "user_id", user.ID)
			s.answerCallback(ctx, update.CallbackID, "")
			return nil
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("callback for unknown incident", "incident_id", incidentID)
		s.answerCallback(ctx, update.CallbackID, "")
		return nil
	}
	if err != nil {
		return err
	}

	s.answerCallback(ctx, update.CallbackID, toastAccepted)
	return nil
}

// replyDirect sends a conversational reply outside the outbox. Command
// replies carry no incident state, so a duplicate on redelivery is harmless.
func (s *Service) replyDirect(ctx context.Context, chatID int64, text string) error {
	if _, err := s.channel.SendMessage(ctx, chatID, text, nil); err != nil {
		if chat.Retryable(err) {
			return err
		}
		slog.Warn("command reply rejected", "chat_id", chatID, "error", err)
	}
	return nil
}

// answerCallback stops the client's button spinner. Failures only log: the
// press itself is already recorded.
func (s *Service) answerCallback(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := s.channel.AnswerCallback(ctx, callbackID, text); err != nil {
		slog.Warn("answer callback failed", "error", err)
	}
}

// parseCommand extracts the leading slash command, dropping the @botname
// suffix group chats append.
func parseCommand(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	command := fields[0]
	if i := strings.Index(command, "@"); i > 0 {
		command = command[:i]
	}
	return command
}
