package incident

import (
	"fmt"

	"github.com/google/uuid"
)

// Outbox idempotency keys. One key names one observable provider effect;
// replaying a handler re-asks for the same keys and the outbox collapses
// the repeats.

func chatAlertKey(incidentID uuid.UUID, audienceID int32) string {
	return fmt.Sprintf("chat:%s:%d:alert", incidentID, audienceID)
}

func chatReminderKey(incidentID uuid.UUID, audienceID int32, n int) string {
	return fmt.Sprintf("chat:%s:%d:reminder:%d", incidentID, audienceID, n)
}

func chatHandledKey(incidentID uuid.UUID, audienceID int32) string {
	return fmt.Sprintf("chat:%s:%d:handled", incidentID, audienceID)
}

func travelerNoticeKey(incidentID uuid.UUID, travelerID int32, kind string) string {
	return fmt.Sprintf("chat:%s:%d:%s", incidentID, travelerID, kind)
}

func voiceAttemptKey(incidentID uuid.UUID, audienceID int32, attemptNo int32) string {
	return fmt.Sprintf("voice:%s:%d:attempt:%d", incidentID, audienceID, attemptNo)
}

func voiceHangupKey(incidentID uuid.UUID, audienceID int32, attemptNo int32) string {
	return fmt.Sprintf("voice:%s:%d:hangup:%d", incidentID, audienceID, attemptNo)
}

// Scheduled-action dedup keys. Enqueueing is at-least-once; these keep the
// actions table at one row per logical timer.

func attemptDedupKey(incidentID uuid.UUID, audienceID int32, attemptNo int32) string {
	return fmt.Sprintf("call:%s:%d:%d", incidentID, audienceID, attemptNo)
}

func timeoutDedupKey(incidentID uuid.UUID, audienceID int32, attemptNo int32) string {
	return fmt.Sprintf("timeout:%s:%d:%d", incidentID, audienceID, attemptNo)
}

func retryDedupKey(incidentID uuid.UUID, audienceID int32, attemptNo int32) string {
	return fmt.Sprintf("retry:%s:%d:%d", incidentID, audienceID, attemptNo)
}

func reminderDedupKey(incidentID uuid.UUID, n int) string {
	return fmt.Sprintf("reminder:%s:%d", incidentID, n)
}
