package telnyx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hrygo/protectogram/plugin/voice"
)

// Webhook signature headers.
const (
	SignatureHeader = "Telnyx-Signature-Ed25519"
	TimestampHeader = "Telnyx-Timestamp"
)

// ErrEventIgnored marks event types the pipeline does not consume
// (speak progress, recording notices). The intake layer answers 200
// without recording them.
var ErrEventIgnored = errors.New("telnyx event ignored")

// VerifySignature checks the HMAC-SHA256 hex digest over
// "{timestamp}.{body}" against the shared webhook secret.
func VerifySignature(body []byte, signature, timestamp, secret string) bool {
	if signature == "" || timestamp == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// VerifyRequest checks that the request is a signed Telnyx delivery. The
// body is passed in because the router already consumed it.
func VerifyRequest(r *http.Request, body []byte, secret string) bool {
	if r.Method != http.MethodPost {
		slog.Warn("telnyx webhook: invalid method", "method", r.Method, "remote_addr", r.RemoteAddr)
		return false
	}

	ok := VerifySignature(body, r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader), secret)
	if !ok {
		slog.Warn("telnyx webhook: signature mismatch", "remote_addr", r.RemoteAddr)
	}
	return ok
}

type webhookEnvelope struct {
	Data struct {
		EventType  string    `json:"event_type"`
		ID         string    `json:"id"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			ClientState   string `json:"client_state"`
			HangupCause   string `json:"hangup_cause"`
			Digit         string `json:"digit"`
			Digits        string `json:"digits"`
			Result        string `json:"result"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseEvent normalizes a webhook body into a voice.Event plus the raw
// client_state for the answer continuation. Event types outside the call
// lifecycle return ErrEventIgnored.
func ParseEvent(body []byte) (*voice.Event, string, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Warn("telnyx webhook: failed to parse payload", "error", err)
		return nil, "", voice.ErrInvalidPayload
	}

	data := envelope.Data
	if data.EventType == "" || data.ID == "" {
		return nil, "", voice.ErrInvalidPayload
	}

	event := &voice.Event{
		EventID:        data.ID,
		ProviderCallID: data.Payload.CallControlID,
		OccurredAt:     data.OccurredAt,
	}

	switch data.EventType {
	case "call.initiated":
		event.Kind = voice.EventInitiated
	case "call.answered":
		event.Kind = voice.EventAnswered
	case "call.dtmf.received":
		event.Kind = voice.EventDTMF
		event.Digit = data.Payload.Digit
	case "call.gather.ended":
		// The scripted gather delivers its digits here; an empty string
		// means the gather timed out without input.
		event.Kind = voice.EventDTMF
		event.Digit = data.Payload.Digits
	case "call.hangup":
		event.Kind = voice.EventHangup
		event.HangupCause = data.Payload.HangupCause
	case "call.machine.detection.ended":
		event.Kind = voice.EventAMD
		event.AMDResult = data.Payload.Result
	default:
		return nil, "", ErrEventIgnored
	}

	return event, data.Payload.ClientState, nil
}
