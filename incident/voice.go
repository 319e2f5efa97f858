package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/protectogram/outbox"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/store"
)

// HandleVoiceEvent processes one deduplicated call event. Settle-critical
// events (hangup, gather, AMD) for a call we cannot correlate yet return an
// error so the inbox redelivers them once placement bookkeeping has landed.
func (s *Service) HandleVoiceEvent(ctx context.Context, event *voice.Event) error {
	switch event.Kind {
	case voice.EventInitiated:
		return s.handleCallInitiated(ctx, event)
	case voice.EventAnswered:
		// The adapter already continued the call script on answer; nothing
		// to persist until a gather or hangup decides the outcome.
		slog.Info("call answered", "provider_call_id", event.ProviderCallID)
		return nil
	case voice.EventDTMF:
		return s.handleCallGather(ctx, event)
	case voice.EventHangup:
		return s.handleCallHangup(ctx, event)
	case voice.EventAMD:
		return s.handleCallAMD(ctx, event)
	default:
		slog.Warn("unknown voice event kind", "kind", event.Kind)
		return nil
	}
}

func (s *Service) handleCallInitiated(ctx context.Context, event *voice.Event) error {
	attempt, _, err := s.resolveAttempt(ctx, event.ProviderCallID)
	if errors.Is(err, store.ErrNotFound) {
		// The webhook can beat the placement bookkeeping; the initiated
		// event carries nothing we cannot live without.
		slog.Debug("initiated event for unknown call", "provider_call_id", event.ProviderCallID)
		return nil
	}
	if err != nil {
		return err
	}
	if attempt.Result != store.CallPending {
		return nil
	}

	ringing := store.CallRinging
	_, err = s.store.UpdateCallAttempt(ctx, &store.UpdateCallAttempt{ID: attempt.ID, Result: &ringing})
	return err
}

// handleCallGather settles the attempt from the collected digits. "1"
// acknowledges the incident; an empty gather means the callee answered and
// hung on the line without pressing anything.
func (s *Service) handleCallGather(ctx context.Context, event *voice.Event) error {
	attempt, alert, err := s.resolveAttempt(ctx, event.ProviderCallID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("gather for unknown call %s", event.ProviderCallID)
	}
	if err != nil {
		return err
	}
	if attempt.Result.Terminal() {
		return nil
	}

	endedAt := eventTime(event)

	if event.Digit == "1" {
		// The transition comes first: once acknowledged, settle only does
		// bookkeeping and the cascade stops cold.
		if _, _, err := s.Acknowledge(ctx, alert.IncidentID, alert.AudienceUserID, store.AckViaDTMF); err != nil {
			return err
		}
		return s.settle(ctx, alert.IncidentID, alert.AudienceUserID, attempt.AttemptNo,
			store.CallAcknowledged, event.Digit, "", endedAt, false)
	}

	return s.settle(ctx, alert.IncidentID, alert.AudienceUserID, attempt.AttemptNo,
		store.CallAnsweredHuman, event.Digit, "", endedAt, true)
}

func (s *Service) handleCallHangup(ctx context.Context, event *voice.Event) error {
	attempt, alert, err := s.resolveAttempt(ctx, event.ProviderCallID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("hangup for unknown call %s", event.ProviderCallID)
	}
	if err != nil {
		return err
	}
	if attempt.Result.Terminal() {
		// Answered calls settle through the gather before the hangup
		// arrives; this is the common path, not an anomaly.
		return nil
	}

	// A call that reaches hangup unsettled with a clean cause was answered:
	// unanswered teardowns report no_answer, busy, or a cancel cause.
	result := store.CallResult(voice.MapHangupCause(event.HangupCause, true))
	errorCode := ""
	switch result {
	case store.CallNoAnswer, store.CallBusy, store.CallFailed:
		errorCode = event.HangupCause
	}

	return s.settle(ctx, alert.IncidentID, alert.AudienceUserID, attempt.AttemptNo,
		result, "", errorCode, eventTime(event), true)
}

// handleCallAMD halts the attempt when answering-machine detection fires:
// voicemail cannot press 1, so the call is torn down and retried later.
func (s *Service) handleCallAMD(ctx context.Context, event *voice.Event) error {
	if event.AMDResult != "machine" {
		slog.Debug("amd result", "provider_call_id", event.ProviderCallID, "result", event.AMDResult)
		return nil
	}

	attempt, alert, err := s.resolveAttempt(ctx, event.ProviderCallID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("amd result for unknown call %s", event.ProviderCallID)
	}
	if err != nil {
		return err
	}
	if attempt.Result.Terminal() {
		return nil
	}

	if _, err := s.outbox.Hangup(ctx, &outbox.HangupRequest{
		Key:            voiceHangupKey(alert.IncidentID, alert.AudienceUserID, attempt.AttemptNo),
		ProviderCallID: event.ProviderCallID,
	}); err != nil {
		slog.Warn("machine-answer hangup failed", "provider_call_id", event.ProviderCallID, "error", err)
	}

	return s.settle(ctx, alert.IncidentID, alert.AudienceUserID, attempt.AttemptNo,
		store.CallAnsweredMachine, "", "answering_machine", eventTime(event), true)
}

// resolveAttempt correlates a provider call id back to its attempt and alert.
func (s *Service) resolveAttempt(ctx context.Context, providerCallID string) (*store.CallAttempt, *store.Alert, error) {
	attempt, err := s.store.GetCallAttempt(ctx, &store.FindCallAttempt{ProviderCallID: &providerCallID})
	if err != nil {
		return nil, nil, err
	}
	alerts, err := s.store.ListAlerts(ctx, &store.FindAlert{ID: &attempt.AlertID})
	if err != nil {
		return nil, nil, err
	}
	if len(alerts) == 0 {
		return nil, nil, store.ErrNotFound
	}
	return attempt, alerts[0], nil
}

func eventTime(event *voice.Event) time.Time {
	if event.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return event.OccurredAt.UTC()
}
