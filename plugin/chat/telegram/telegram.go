// Package telegram adapts the chat port to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/hrygo/protectogram/plugin/chat"
)

// Telegram allows ~30 messages per second bot-wide; stay under it.
const (
	sendRate  = 25
	sendBurst = 5
)

// Config holds configuration for the Telegram channel.
type Config struct {
	BotToken string
}

// Channel implements chat.Channel for the Telegram Bot API.
type Channel struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

// NewChannel creates a Telegram channel. The constructor calls getMe, so it
// fails fast on a bad token.
func NewChannel(config *Config) (*Channel, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(config.BotToken, tgbotapi.APIEndpoint, &http.Client{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return &Channel{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(sendRate), sendBurst),
	}, nil
}

// SendMessage sends text with optional inline buttons and returns the
// provider message id.
func (c *Channel) SendMessage(ctx context.Context, chatID int64, text string, buttons []chat.InlineButton) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if len(buttons) > 0 {
		msg.ReplyMarkup = keyboard(buttons)
	}

	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", classify(fmt.Errorf("failed to send telegram message: %w", err))
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage replaces the text and buttons of a previously sent message.
// Editing without buttons drops the keyboard.
func (c *Channel) EditMessage(ctx context.Context, chatID int64, messageID string, text string, buttons []chat.InlineButton) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var edit tgbotapi.Chattable
	if len(buttons) > 0 {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, id, text, keyboard(buttons))
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, id, text)
	}

	if _, err := c.bot.Request(edit); err != nil {
		return classify(fmt.Errorf("failed to edit telegram message: %w", err))
	}
	return nil
}

// AnswerCallback acknowledges a button press with a short toast.
func (c *Channel) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(fmt.Errorf("failed to answer telegram callback: %w", err))
	}
	return nil
}

// keyboard lays buttons out one per row; panic-alert labels are long.
func keyboard(buttons []chat.InlineButton) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// classify marks API errors as permanent unless Telegram signaled throttling
// or a server-side failure. Transport errors pass through unclassified and
// the caller treats them as retryable.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &chat.Error{
			Retryable: apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500,
			Err:       err,
		}
	}
	return err
}

// Ensure Channel implements the chat port.
var _ chat.Channel = (*Channel)(nil)
