package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/protectogram/plugin/chat"
)

// SecretTokenHeader carries the shared secret Telegram echoes back on every
// webhook delivery when the webhook was registered with one.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// VerifyRequest checks that the request is a Telegram webhook delivery
// carrying the configured secret token.
func VerifyRequest(r *http.Request, secret string) bool {
	if r.Method != http.MethodPost {
		slog.Warn("telegram webhook: invalid method", "method", r.Method, "remote_addr", r.RemoteAddr)
		return false
	}

	// Telegram may omit Content-Type; reject only an explicit non-JSON one.
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		slog.Warn("telegram webhook: invalid content type", "content_type", ct, "remote_addr", r.RemoteAddr)
		return false
	}

	token := r.Header.Get(SecretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		slog.Warn("telegram webhook: secret token mismatch", "remote_addr", r.RemoteAddr)
		return false
	}

	return true
}

// ParseUpdate normalizes a webhook body into a chat.Update. Updates the bot
// does not subscribe to come back as chat.ErrInvalidPayload.
func ParseUpdate(payload []byte) (*chat.Update, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		slog.Warn("telegram webhook: failed to parse payload", "error", err)
		return nil, chat.ErrInvalidPayload
	}

	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		// Inline-mode callbacks have no message; the bot never issues those.
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return nil, chat.ErrInvalidPayload
		}
		return &chat.Update{
			EventID:      strconv.Itoa(update.UpdateID),
			Kind:         chat.UpdateKindCallback,
			ChatID:       cb.Message.Chat.ID,
			UserID:       cb.From.ID,
			Username:     cb.From.UserName,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
			MessageID:    strconv.Itoa(cb.Message.MessageID),
		}, nil

	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.Chat == nil {
			return nil, chat.ErrInvalidPayload
		}
		return &chat.Update{
			EventID:  strconv.Itoa(update.UpdateID),
			Kind:     chat.UpdateKindMessage,
			ChatID:   msg.Chat.ID,
			UserID:   msg.From.ID,
			Username: msg.From.UserName,
			Text:     msg.Text,
		}, nil

	default:
		return nil, chat.ErrInvalidPayload
	}
}

// SetWebhook registers url with Telegram, binding the shared secret that
// VerifyRequest later expects. The v5 client predates the secret_token
// parameter, so the call goes through the raw request API.
func (c *Channel) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	params := tgbotapi.Params{
		"url":             webhookURL,
		"secret_token":    secret,
		"allowed_updates": `["message","callback_query"]`,
	}
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return err
	}
	slog.Info("telegram webhook registered", "url", webhookURL)
	return nil
}
