package outbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/store"
	teststore "github.com/hrygo/protectogram/store/test"
)

type sentMessage struct {
	ChatID  int64
	Text    string
	Buttons []chat.InlineButton
}

type fakeChannel struct {
	mu     sync.Mutex
	sends  []sentMessage
	edits  []sentMessage
	nextID int
	err    error
}

func (f *fakeChannel) SendMessage(_ context.Context, chatID int64, text string, buttons []chat.InlineButton) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sends = append(f.sends, sentMessage{ChatID: chatID, Text: text, Buttons: buttons})
	f.nextID++
	return strconv.Itoa(f.nextID), nil
}

func (f *fakeChannel) EditMessage(_ context.Context, chatID int64, _ string, text string, buttons []chat.InlineButton) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.edits = append(f.edits, sentMessage{ChatID: chatID, Text: text, Buttons: buttons})
	return nil
}

func (f *fakeChannel) AnswerCallback(context.Context, string, string) error {
	return nil
}

type fakeCaller struct {
	mu      sync.Mutex
	placed  []*voice.PlaceCallRequest
	hangups []string
	err     error
}

func (f *fakeCaller) PlaceCall(_ context.Context, req *voice.PlaceCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, req)
	return "call-" + strconv.Itoa(len(f.placed)), nil
}

func (f *fakeCaller) Hangup(_ context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.hangups = append(f.hangups, providerCallID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeChannel, *fakeCaller, *store.Store) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	channel := &fakeChannel{}
	caller := &fakeCaller{}
	d := NewDispatcher(st, channel, caller, metrics.NewRecorder(metrics.DefaultConfig()), Config{
		VoiceWebhookURL: "https://example.com/webhooks/telnyx",
	})
	return d, channel, caller, st
}

func TestSendChatOncePerKey(t *testing.T) {
	ctx := context.Background()
	d, channel, _, _ := newTestDispatcher(t)

	req := &SendChatRequest{Key: "chat:i1:7:alert", ChatID: 100, Text: "тревога"}
	id, already, err := d.SendChat(ctx, req)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, "1", id)

	id2, already, err := d.SendChat(ctx, req)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, id, id2)

	assert.Len(t, channel.sends, 1)
}

func TestSendChatFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	d, channel, _, _ := newTestDispatcher(t)

	channel.err = &chat.Error{Retryable: true, Err: errors.New("telegram 502")}
	_, _, err := d.SendChat(ctx, &SendChatRequest{Key: "k1", ChatID: 100, Text: "original"})
	require.Error(t, err)
	assert.True(t, chat.Retryable(err))

	// The retry carries different text; the stored payload must win.
	channel.err = nil
	id, already, err := d.SendChat(ctx, &SendChatRequest{Key: "k1", ChatID: 100, Text: "mutated"})
	require.NoError(t, err)
	assert.False(t, already)
	assert.NotEmpty(t, id)

	require.Len(t, channel.sends, 1)
	assert.Equal(t, "original", channel.sends[0].Text)
}

func TestSendChatFailureMarksRow(t *testing.T) {
	ctx := context.Background()
	d, channel, _, st := newTestDispatcher(t)

	channel.err = &chat.Error{Retryable: false, Err: errors.New("chat not found")}
	_, _, err := d.SendChat(ctx, &SendChatRequest{Key: "k2", ChatID: 5, Text: "hi"})
	require.Error(t, err)
	assert.False(t, chat.Retryable(err))

	key := "k2"
	rows, err := st.ListOutboxMessages(ctx, &store.FindOutboxMessage{IdempotencyKey: &key})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.OutboxFailed, rows[0].Status)
	assert.Equal(t, int32(1), rows[0].Attempts)
	require.NotNil(t, rows[0].LastError)
}

func TestEditChatOncePerKey(t *testing.T) {
	ctx := context.Background()
	d, channel, _, _ := newTestDispatcher(t)

	req := &EditChatRequest{Key: "chat:i1:7:handled", ChatID: 100, MessageID: "41", Text: "готово"}
	id, already, err := d.EditChat(ctx, req)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, "41", id)

	_, already, err = d.EditChat(ctx, req)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Len(t, channel.edits, 1)
}

func TestPlaceCallOncePerKey(t *testing.T) {
	ctx := context.Background()
	d, _, caller, _ := newTestDispatcher(t)

	req := &PlaceCallRequest{
		Key:            "call:i1:7:1",
		To:             "+79990001122",
		Instructions:   []voice.Instruction{voice.Speak("ru-RU", "Тревога!")},
		RingTimeoutSec: 25,
		MaxDurationSec: 180,
	}
	id, already, err := d.PlaceCall(ctx, req)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, "call-1", id)

	id2, already, err := d.PlaceCall(ctx, req)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, id, id2)

	require.Len(t, caller.placed, 1)
	assert.Equal(t, "https://example.com/webhooks/telnyx", caller.placed[0].WebhookURL)
	assert.Equal(t, 25, caller.placed[0].RingTimeoutSec)
}

func TestHangupOncePerKey(t *testing.T) {
	ctx := context.Background()
	d, _, caller, _ := newTestDispatcher(t)

	already, err := d.Hangup(ctx, &HangupRequest{Key: "hangup:call-9", ProviderCallID: "call-9"})
	require.NoError(t, err)
	assert.False(t, already)

	already, err = d.Hangup(ctx, &HangupRequest{Key: "hangup:call-9", ProviderCallID: "call-9"})
	require.NoError(t, err)
	assert.True(t, already)

	assert.Equal(t, []string{"call-9"}, caller.hangups)
}

func TestVoiceFailureIsClassified(t *testing.T) {
	ctx := context.Background()
	d, _, caller, _ := newTestDispatcher(t)

	caller.err = &voice.Error{Retryable: false, Err: errors.New("invalid number")}
	_, _, err := d.PlaceCall(ctx, &PlaceCallRequest{Key: "call:bad", To: "bad"})
	require.Error(t, err)
	assert.False(t, voice.Retryable(err))

	caller.err = &voice.Error{Retryable: true, Err: errors.New("telnyx 503")}
	_, _, err = d.PlaceCall(ctx, &PlaceCallRequest{Key: "call:busy-provider", To: "+7999"})
	require.Error(t, err)
	assert.True(t, voice.Retryable(err))
}
