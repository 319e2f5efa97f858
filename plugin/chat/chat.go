// Package chat defines the provider-neutral port for the chat channel.
package chat

import (
	"context"
	"errors"
)

// ErrInvalidPayload marks a webhook body that cannot be parsed into an
// Update. The intake layer maps it to HTTP 400.
var ErrInvalidPayload = errors.New("invalid chat payload")

// Error is a classified provider failure.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a send may be retried. Errors the adapter did
// not classify (timeouts, connection resets) count as retryable; only an
// explicit permanent classification stops the retry loop.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// InlineButton is one button attached below a message. Data is the opaque
// callback payload echoed back when the button is pressed; providers bound
// its size (Telegram: 64 bytes). Buttons persist inside outbox payloads,
// hence the JSON tags.
type InlineButton struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// UpdateKind discriminates normalized inbound updates.
type UpdateKind string

const (
	UpdateKindMessage  UpdateKind = "message"
	UpdateKindCallback UpdateKind = "callback"
)

// Update is a provider webhook delivery normalized for the domain layer.
type Update struct {
	// EventID is the provider's delivery id, used for inbox deduplication.
	EventID string
	Kind    UpdateKind

	ChatID   int64
	UserID   int64
	Username string

	// Text is set for message updates.
	Text string

	// Callback fields are set for callback updates. MessageID identifies
	// the message the pressed button was attached to.
	CallbackID   string
	CallbackData string
	MessageID    string
}

// Channel sends and edits chat messages. Implementations own provider
// throttling; callers may invoke methods concurrently.
type Channel interface {
	// SendMessage delivers text with optional inline buttons and returns
	// the provider's message id, needed for later edits.
	SendMessage(ctx context.Context, chatID int64, text string, buttons []InlineButton) (string, error)

	// EditMessage replaces the text and buttons of a previously sent message.
	EditMessage(ctx context.Context, chatID int64, messageID string, text string, buttons []InlineButton) error

	// AnswerCallback acknowledges a button press with a short toast. Must be
	// called within the provider's callback lifetime or the client spins.
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
