package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/inbox"
	"github.com/hrygo/protectogram/incident"
	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/outbox"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/chat/telegram"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/plugin/voice/telnyx"
	"github.com/hrygo/protectogram/store"
	teststore "github.com/hrygo/protectogram/store/test"
)

const (
	chatSecret  = "tg-secret"
	voiceSecret = "vx-secret"
)

type fakeChannel struct {
	mu     sync.Mutex
	sends  []string
	nextID int
}

func (f *fakeChannel) SendMessage(_ context.Context, _ int64, text string, _ []chat.InlineButton) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	f.nextID++
	return strconv.Itoa(f.nextID), nil
}

func (f *fakeChannel) EditMessage(context.Context, int64, string, string, []chat.InlineButton) error {
	return nil
}

func (f *fakeChannel) AnswerCallback(context.Context, string, string) error {
	return nil
}

type fakeCaller struct{}

func (fakeCaller) PlaceCall(context.Context, *voice.PlaceCallRequest) (string, error) {
	return "call-1", nil
}

func (fakeCaller) Hangup(context.Context, string) error { return nil }

type continuedCall struct {
	ProviderCallID string
	State          string
}

type fakeContinuer struct {
	mu    sync.Mutex
	calls []continuedCall
}

func (f *fakeContinuer) ContinueAnswered(_ context.Context, providerCallID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, continuedCall{ProviderCallID: providerCallID, State: state})
	return nil
}

type testEnv struct {
	t         *testing.T
	store     *store.Store
	channel   *fakeChannel
	continuer *fakeContinuer
	echo      *echo.Echo
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := teststore.NewTestingStore(ctx, t)
	prof := &profile.Profile{
		Mode:                "test",
		FeaturePanic:        true,
		ChatWebhookSecret:   chatSecret,
		VoiceWebhookSecret:  voiceSecret,
		RingTimeoutSec:      25,
		MaxRetries:          2,
		RetryBackoffSec:     60,
		ReminderIntervalSec: 120,
		MaxTotalRingSec:     180,
	}
	recorder := metrics.NewRecorder(metrics.DefaultConfig())
	channel := &fakeChannel{}
	dispatcher := outbox.NewDispatcher(st, channel, fakeCaller{}, recorder, outbox.Config{
		VoiceWebhookURL: "https://example.com/webhook/voice",
	})
	incidentService := incident.NewService(prof, st, dispatcher, channel, recorder)
	continuer := &fakeContinuer{}
	service := NewService(prof, inbox.NewDeduper(st, recorder), incidentService, continuer, recorder)

	e := echo.New()
	service.RegisterRoutes(e)

	return &testEnv{
		t:         t,
		store:     st,
		channel:   channel,
		continuer: continuer,
		echo:      e,
		service:   service,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.echo.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createUser(chatUserID int64, phone, name string) *store.User {
	e.t.Helper()
	user, err := e.store.CreateUser(context.Background(), &store.User{
		ChatUserID:  chatUserID,
		ChatChatID:  chatUserID,
		PhoneNumber: phone,
		DisplayName: name,
	})
	require.NoError(e.t, err)
	return user
}

func (e *testEnv) unprocessed() []*store.InboxEvent {
	e.t.Helper()
	events, err := e.store.ListUnprocessedInboxEvents(context.Background(), time.Now().UTC().Add(time.Hour), 10)
	require.NoError(e.t, err)
	return events
}

func chatRequest(secret string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if secret != "" {
		req.Header.Set(telegram.SecretTokenHeader, secret)
	}
	return req
}

func voiceRequest(secret string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/voice", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	req.Header.Set(telnyx.SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(telnyx.TimestampHeader, timestamp)
	return req
}

func panicUpdate(updateID int, userID int64) []byte {
	return []byte(fmt.Sprintf(`{
		"update_id": %d,
		"message": {
			"message_id": 1,
			"from": {"id": %d, "is_bot": false, "first_name": "Алиса", "username": "alice"},
			"chat": {"id": %d, "type": "private"},
			"date": 1700000000,
			"text": "/panic"
		}
	}`, updateID, userID, userID))
}

func voiceEvent(eventID, eventType, callID, payloadExtra string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"event_type": %q,
			"id": %q,
			"occurred_at": "2026-02-03T10:00:00Z",
			"payload": {"call_control_id": %q%s}
		}
	}`, eventType, eventID, callID, payloadExtra))
}

func TestChatWebhookRejectsBadSecret(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(chatRequest("", panicUpdate(1, 100)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(chatRequest("wrong", panicUpdate(1, 100)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, e.unprocessed(), "rejected deliveries must not be recorded")
}

func TestChatWebhookRejectsMalformedBody(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(chatRequest(chatSecret, []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Parseable JSON but not an update type the bot subscribes to.
	rec = e.do(chatRequest(chatSecret, []byte(`{"update_id": 7, "inline_query": {"id": "x"}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatWebhookOpensIncidentOnPanic(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")

	rec := e.do(chatRequest(chatSecret, panicUpdate(1001, 100)))
	require.Equal(t, http.StatusOK, rec.Code)

	open := store.IncidentOpen
	opened, err := e.store.GetIncident(ctx, &store.FindIncident{TravelerID: &traveler.ID, Status: &open})
	require.NoError(t, err)
	assert.Equal(t, store.IncidentOpen, opened.Status)

	require.Len(t, e.channel.sends, 1)
	assert.Contains(t, e.channel.sends[0], "Сигнал тревоги")
	assert.Empty(t, e.unprocessed(), "handled delivery must be marked processed")
}

func TestChatWebhookCollapsesDuplicateDelivery(t *testing.T) {
	e := newTestEnv(t)
	e.createUser(100, "+79990000001", "Алиса")

	first := e.do(chatRequest(chatSecret, panicUpdate(1001, 100)))
	require.Equal(t, http.StatusOK, first.Code)
	second := e.do(chatRequest(chatSecret, panicUpdate(1001, 100)))
	require.Equal(t, http.StatusOK, second.Code)

	assert.Len(t, e.channel.sends, 1, "redelivery must not repeat the side effects")
	assert.Empty(t, e.unprocessed())
}

func TestVoiceWebhookRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	body := voiceEvent("evt-1", "call.answered", "call-777", "")

	req := voiceRequest("wrong-secret", body)
	rec := e.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook/voice", bytes.NewReader(body))
	rec = e.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature headers")

	assert.Empty(t, e.unprocessed())
}

func TestVoiceWebhookMalformedBody(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(voiceRequest(voiceSecret, []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Lifecycle envelope missing the event id.
	rec = e.do(voiceRequest(voiceSecret, []byte(`{"data": {"event_type": "call.answered"}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceWebhookIgnoresNonLifecycleEvents(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(voiceRequest(voiceSecret, voiceEvent("evt-9", "call.speak.ended", "call-777", "")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.unprocessed(), "ignored events are not recorded")
}

func TestVoiceWebhookContinuesAnsweredCall(t *testing.T) {
	e := newTestEnv(t)

	body := voiceEvent("evt-2", "call.answered", "call-777", `, "client_state": "c3RhdGU="`)
	rec := e.do(voiceRequest(voiceSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, e.continuer.calls, 1)
	assert.Equal(t, "call-777", e.continuer.calls[0].ProviderCallID)
	assert.Equal(t, "c3RhdGU=", e.continuer.calls[0].State)
	assert.Empty(t, e.unprocessed())
}

func TestVoiceWebhookDefersUnknownCall(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	// A hangup for a call the store has never seen: answered 200 so the
	// provider stops redelivering, but the row stays for the sweeper.
	body := voiceEvent("evt-3", "call.hangup", "call-lost", `, "hangup_cause": "no_answer"`)
	rec := e.do(voiceRequest(voiceSecret, body))
	require.Equal(t, http.StatusOK, rec.Code)

	stale := e.unprocessed()
	require.Len(t, stale, 1)
	assert.Equal(t, store.ProviderTelnyx, stale[0].Provider)

	// Once the placement bookkeeping catches up, the redrive succeeds.
	traveler := e.createUser(100, "+79990000001", "Алиса")
	watcher := e.createUser(200, "+79990000002", "Борис")
	opened, err := e.store.CreateIncident(ctx, &store.Incident{TravelerID: traveler.ID}, nil)
	require.NoError(t, err)
	alert, _, err := e.store.UpsertAlert(ctx, &store.Alert{
		IncidentID:     opened.ID,
		AudienceUserID: watcher.ID,
		Channel:        store.AlertChannelVoice,
		Status:         store.AlertSent,
	})
	require.NoError(t, err)
	attempt, _, err := e.store.CreateCallAttempt(ctx, &store.CallAttempt{
		AlertID:   alert.ID,
		AttemptNo: 1,
		Result:    store.CallPending,
		StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	providerID := "call-lost"
	_, err = e.store.UpdateCallAttempt(ctx, &store.UpdateCallAttempt{ID: attempt.ID, ProviderCallID: &providerID})
	require.NoError(t, err)

	require.NoError(t, e.service.RedispatchVoice(ctx, stale[0]))

	settled, err := e.store.ListCallAttempts(ctx, &store.FindCallAttempt{AlertID: &alert.ID})
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, store.CallNoAnswer, settled[0].Result)
}

func TestRedispatchChatRetiresCorruptPayload(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	event := &store.InboxEvent{
		Provider:        store.ProviderTelegram,
		ProviderEventID: "corrupt-1",
		CorrelationID:   "c-1",
		Payload:         []byte(`not json`),
		ReceivedAt:      time.Now().UTC(),
	}
	require.NoError(t, e.service.RedispatchChat(ctx, event), "corrupt rows must be retired, not retried forever")
}
