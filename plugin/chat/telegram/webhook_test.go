package telegram

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/plugin/chat"
)

func webhookRequest(method, secret string) *http.Request {
	r := httptest.NewRequest(method, "/webhooks/telegram", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	if secret != "" {
		r.Header.Set(SecretTokenHeader, secret)
	}
	return r
}

func TestVerifyRequest(t *testing.T) {
	assert.True(t, VerifyRequest(webhookRequest(http.MethodPost, "s3cret"), "s3cret"))
	assert.False(t, VerifyRequest(webhookRequest(http.MethodPost, "wrong"), "s3cret"))
	assert.False(t, VerifyRequest(webhookRequest(http.MethodPost, ""), "s3cret"))
	assert.False(t, VerifyRequest(webhookRequest(http.MethodGet, "s3cret"), "s3cret"))

	r := webhookRequest(http.MethodPost, "s3cret")
	r.Header.Set("Content-Type", "text/plain")
	assert.False(t, VerifyRequest(r, "s3cret"))

	// Telegram sometimes omits Content-Type entirely.
	r = webhookRequest(http.MethodPost, "s3cret")
	r.Header.Del("Content-Type")
	assert.True(t, VerifyRequest(r, "s3cret"))
}

func TestParseUpdateMessage(t *testing.T) {
	payload := `{
		"update_id": 811223,
		"message": {
			"message_id": 5,
			"from": {"id": 42, "is_bot": false, "first_name": "Alice", "username": "alice"},
			"chat": {"id": 42, "type": "private"},
			"date": 1700000000,
			"text": "/panic"
		}
	}`

	update, err := ParseUpdate([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "811223", update.EventID)
	assert.Equal(t, chat.UpdateKindMessage, update.Kind)
	assert.Equal(t, int64(42), update.ChatID)
	assert.Equal(t, int64(42), update.UserID)
	assert.Equal(t, "alice", update.Username)
	assert.Equal(t, "/panic", update.Text)
}

func TestParseUpdateCallback(t *testing.T) {
	payload := `{
		"update_id": 811224,
		"callback_query": {
			"id": "4382abc",
			"from": {"id": 77, "is_bot": false, "first_name": "Bob", "username": "bob"},
			"message": {
				"message_id": 9,
				"chat": {"id": 42, "type": "private"},
				"date": 1700000000,
				"text": "alert text"
			},
			"data": "v1|ack|0d9c6315-0000-5000-8000-000000000001"
		}
	}`

	update, err := ParseUpdate([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "811224", update.EventID)
	assert.Equal(t, chat.UpdateKindCallback, update.Kind)
	assert.Equal(t, int64(42), update.ChatID)
	assert.Equal(t, int64(77), update.UserID)
	assert.Equal(t, "4382abc", update.CallbackID)
	assert.Equal(t, "v1|ack|0d9c6315-0000-5000-8000-000000000001", update.CallbackData)
	assert.Equal(t, "9", update.MessageID)
}

func TestParseUpdateRejectsUnsupported(t *testing.T) {
	_, err := ParseUpdate([]byte(`not json`))
	assert.ErrorIs(t, err, chat.ErrInvalidPayload)

	// Subscribed update types only; an inline query has neither message
	// nor callback_query.
	_, err = ParseUpdate([]byte(`{"update_id": 1, "inline_query": {"id": "iq", "query": "x"}}`))
	assert.ErrorIs(t, err, chat.ErrInvalidPayload)

	// Callback without an attached message (inline mode) is dropped too.
	_, err = ParseUpdate([]byte(`{
		"update_id": 2,
		"callback_query": {"id": "cb", "from": {"id": 1, "is_bot": false, "first_name": "X"}, "data": "v1|ack|x"}
	}`))
	assert.ErrorIs(t, err, chat.ErrInvalidPayload)

	// A message with no chat object cannot be routed anywhere.
	_, err = ParseUpdate([]byte(`{
		"update_id": 3,
		"message": {"message_id": 1, "from": {"id": 1, "is_bot": false, "first_name": "X"}, "text": "hi"}
	}`))
	assert.ErrorIs(t, err, chat.ErrInvalidPayload)
}
