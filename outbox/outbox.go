// Package outbox makes outbound provider effects idempotent.
//
// Every send is keyed: the first dispatch under a key persists the payload,
// performs the provider call, and records the provider id; later dispatches
// under the same key return the recorded result without touching the
// provider. A dispatch that failed before reaching sent re-runs the stored
// payload, never the caller's, so retried enqueues cannot mutate a message
// in flight (first write wins).
//
// Callers serialize dispatches per key: domain handlers run under the
// incident lock, so the dispatcher needs no claim of its own. The residual
// window is a crash between the provider call and the sent mark, which a
// later redrive resolves by re-sending.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/store"
)

// Config tunes the dispatcher.
type Config struct {
	// VoiceWebhookURL receives call events for calls placed here.
	VoiceWebhookURL string
	// ChatTimeout bounds one chat send, queue wait included.
	ChatTimeout time.Duration
	// CallTimeout bounds one call placement or hangup.
	CallTimeout time.Duration
	// MaxInFlight caps concurrent provider calls across all channels.
	MaxInFlight int64
}

// DefaultConfig returns the production dispatch limits.
func DefaultConfig() Config {
	return Config{
		ChatTimeout: 10 * time.Second,
		CallTimeout: 5 * time.Second,
		MaxInFlight: 8,
	}
}

// Dispatcher sends chat messages and places calls through the outbox.
type Dispatcher struct {
	store    *store.Store
	channel  chat.Channel
	caller   voice.Caller
	recorder *metrics.Recorder

	voiceWebhookURL string
	chatTimeout     time.Duration
	callTimeout     time.Duration
	sem             *semaphore.Weighted
}

func NewDispatcher(st *store.Store, channel chat.Channel, caller voice.Caller, recorder *metrics.Recorder, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = def.ChatTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	return &Dispatcher{
		store:           st,
		channel:         channel,
		caller:          caller,
		recorder:        recorder,
		voiceWebhookURL: cfg.VoiceWebhookURL,
		chatTimeout:     cfg.ChatTimeout,
		callTimeout:     cfg.CallTimeout,
		sem:             semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// chatPayload is the persisted form of a chat send or edit.
type chatPayload struct {
	Op        string              `json:"op"`
	ChatID    int64               `json:"chat_id"`
	MessageID string              `json:"message_id,omitempty"`
	Text      string              `json:"text"`
	Buttons   []chat.InlineButton `json:"buttons,omitempty"`
}

// voicePayload is the persisted form of a call placement or hangup.
type voicePayload struct {
	Op             string              `json:"op"`
	To             string              `json:"to,omitempty"`
	Instructions   []voice.Instruction `json:"instructions,omitempty"`
	RingTimeoutSec int                 `json:"ring_timeout_sec,omitempty"`
	MaxDurationSec int                 `json:"max_duration_sec,omitempty"`
	ProviderCallID string              `json:"provider_call_id,omitempty"`
}

// SendChatRequest delivers text with optional buttons to one chat.
type SendChatRequest struct {
	Key     string
	ChatID  int64
	Text    string
	Buttons []chat.InlineButton
}

// SendChat sends the message once per key. It returns the provider message
// id and whether the effect had already happened.
func (d *Dispatcher) SendChat(ctx context.Context, req *SendChatRequest) (string, bool, error) {
	payload := &chatPayload{Op: "send", ChatID: req.ChatID, Text: req.Text, Buttons: req.Buttons}
	return d.dispatch(ctx, req.Key, store.AlertChannelChat, payload, d.chatTimeout,
		func(ctx context.Context, stored []byte) (string, error) {
			var p chatPayload
			if err := json.Unmarshal(stored, &p); err != nil {
				return "", fmt.Errorf("failed to unmarshal outbox chat payload: %w", err)
			}
			return d.channel.SendMessage(ctx, p.ChatID, p.Text, p.Buttons)
		})
}

// EditChatRequest rewrites a previously sent message.
type EditChatRequest struct {
	Key       string
	ChatID    int64
	MessageID string
	Text      string
	Buttons   []chat.InlineButton
}

// EditChat applies the edit once per key.
func (d *Dispatcher) EditChat(ctx context.Context, req *EditChatRequest) (string, bool, error) {
	payload := &chatPayload{Op: "edit", ChatID: req.ChatID, MessageID: req.MessageID, Text: req.Text, Buttons: req.Buttons}
	return d.dispatch(ctx, req.Key, store.AlertChannelChat, payload, d.chatTimeout,
		func(ctx context.Context, stored []byte) (string, error) {
			var p chatPayload
			if err := json.Unmarshal(stored, &p); err != nil {
				return "", fmt.Errorf("failed to unmarshal outbox chat payload: %w", err)
			}
			if err := d.channel.EditMessage(ctx, p.ChatID, p.MessageID, p.Text, p.Buttons); err != nil {
				return "", err
			}
			return p.MessageID, nil
		})
}

// PlaceCallRequest dials a guardian once per key.
type PlaceCallRequest struct {
	Key            string
	To             string
	Instructions   []voice.Instruction
	RingTimeoutSec int
	MaxDurationSec int
}

// PlaceCall places the call once per key and returns the provider call id.
func (d *Dispatcher) PlaceCall(ctx context.Context, req *PlaceCallRequest) (string, bool, error) {
	payload := &voicePayload{
		Op:             "place",
		To:             req.To,
		Instructions:   req.Instructions,
		RingTimeoutSec: req.RingTimeoutSec,
		MaxDurationSec: req.MaxDurationSec,
	}
	return d.dispatch(ctx, req.Key, store.AlertChannelVoice, payload, d.callTimeout,
		func(ctx context.Context, stored []byte) (string, error) {
			var p voicePayload
			if err := json.Unmarshal(stored, &p); err != nil {
				return "", fmt.Errorf("failed to unmarshal outbox voice payload: %w", err)
			}
			return d.caller.PlaceCall(ctx, &voice.PlaceCallRequest{
				To:             p.To,
				Instructions:   p.Instructions,
				WebhookURL:     d.voiceWebhookURL,
				RingTimeoutSec: p.RingTimeoutSec,
				MaxDurationSec: p.MaxDurationSec,
			})
		})
}

// HangupRequest tears down one live call.
type HangupRequest struct {
	Key            string
	ProviderCallID string
}

// Hangup hangs up once per key. Hanging up an ended call succeeds.
func (d *Dispatcher) Hangup(ctx context.Context, req *HangupRequest) (bool, error) {
	payload := &voicePayload{Op: "hangup", ProviderCallID: req.ProviderCallID}
	_, already, err := d.dispatch(ctx, req.Key, store.AlertChannelVoice, payload, d.callTimeout,
		func(ctx context.Context, stored []byte) (string, error) {
			var p voicePayload
			if err := json.Unmarshal(stored, &p); err != nil {
				return "", fmt.Errorf("failed to unmarshal outbox voice payload: %w", err)
			}
			return p.ProviderCallID, d.caller.Hangup(ctx, p.ProviderCallID)
		})
	return already, err
}

// dispatch runs the outbox protocol: load-or-insert the keyed row, skip if
// already sent, otherwise perform the provider call on the stored payload
// and record the outcome.
func (d *Dispatcher) dispatch(
	ctx context.Context,
	key string,
	channel store.AlertChannel,
	payload any,
	timeout time.Duration,
	send func(ctx context.Context, stored []byte) (string, error),
) (string, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal outbox payload for %s: %w", key, err)
	}

	row, _, err := d.store.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: key,
		Channel:        channel,
		Payload:        raw,
		Status:         store.OutboxPending,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return "", false, err
	}

	if row.Status == store.OutboxSent {
		providerID := ""
		if row.ProviderMessageID != nil {
			providerID = *row.ProviderMessageID
		}
		return providerID, true, nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", false, err
	}
	defer d.sem.Release(1)

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	providerID, err := send(sendCtx, row.Payload)
	latency := time.Since(start)

	if err != nil {
		d.recorder.RecordOutboxSend(string(channel), "failed", latency)
		if markErr := d.store.MarkOutboxMessageFailed(ctx, row.ID, err.Error()); markErr != nil {
			slog.Error("outbox: failed to record failure", "key", key, "error", markErr)
		}
		return "", false, err
	}

	d.recorder.RecordOutboxSend(string(channel), "sent", latency)
	if err := d.store.MarkOutboxMessageSent(ctx, row.ID, providerID, time.Now().UTC()); err != nil {
		// The provider effect happened. Report success and leave the row
		// pending; a redrive may repeat the send, which beats dropping it.
		slog.Error("outbox: failed to record sent", "key", key, "provider_id", providerID, "error", err)
	}
	return providerID, false, nil
}
