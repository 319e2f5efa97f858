package incident

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Callback data format: "v1|{action}|{incident-uuid}". Telegram caps
// callback data at 64 bytes; this encoding uses 43.
const callbackVersion = "v1"

const (
	CallbackAck    = "ack"
	CallbackCancel = "cancel"
)

var ErrBadCallback = errors.New("malformed callback data")

// EncodeCallback builds the callback data attached to an inline button.
func EncodeCallback(action string, incidentID uuid.UUID) string {
	return callbackVersion + "|" + action + "|" + incidentID.String()
}

// DecodeCallback parses button callback data. Unknown versions and actions
// are rejected so stale buttons from older encodings fail loudly instead of
// acting on the wrong incident.
func DecodeCallback(data string) (string, uuid.UUID, error) {
	parts := strings.Split(data, "|")
	if len(parts) != 3 || parts[0] != callbackVersion {
		return "", uuid.Nil, ErrBadCallback
	}
	switch parts[1] {
	case CallbackAck, CallbackCancel:
	default:
		return "", uuid.Nil, ErrBadCallback
	}
	incidentID, err := uuid.Parse(parts[2])
	if err != nil {
		return "", uuid.Nil, ErrBadCallback
	}
	return parts[1], incidentID, nil
}
