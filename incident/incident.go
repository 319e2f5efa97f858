// Package incident implements the panic-incident domain: opening incidents,
// terminal transitions, and the alert cascade that chases guardians over
// chat and voice until someone takes responsibility.
//
// All state transitions run under the per-incident advisory lock and are
// idempotent; provider effects go through the outbox, so a retried handler
// re-asks for effects that already happened and gets the recorded outcome.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/outbox"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/store"
)

// ErrNotAllowed rejects a cancel attempt from anyone but the traveler.
var ErrNotAllowed = errors.New("only the traveler may cancel the incident")

// Service owns the incident lifecycle and its side effects.
type Service struct {
	profile  *profile.Profile
	store    *store.Store
	outbox   *outbox.Dispatcher
	channel  chat.Channel
	recorder *metrics.Recorder
}

func NewService(prof *profile.Profile, st *store.Store, dispatcher *outbox.Dispatcher, channel chat.Channel, recorder *metrics.Recorder) *Service {
	return &Service{
		profile:  prof,
		store:    st,
		outbox:   dispatcher,
		channel:  channel,
		recorder: recorder,
	}
}

// Open raises a panic incident for the traveler. An already open incident is
// returned instead of creating a second one. The cascade seed action is
// persisted in the same transaction as the incident, so a crash after Open
// cannot produce an incident nobody chases.
func (s *Service) Open(ctx context.Context, travelerID int32) (*store.Incident, bool, error) {
	openStatus := store.IncidentOpen
	existing, err := s.store.GetIncident(ctx, &store.FindIncident{TravelerID: &travelerID, Status: &openStatus})
	if err == nil {
		slog.Info("panic already open", "incident_id", existing.ID, "traveler_id", travelerID)
		s.confirmToTraveler(ctx, existing)
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	incidentID := uuid.New()
	seedKey := fmt.Sprintf("seed:%s", incidentID)
	incident, err := s.store.CreateIncident(ctx, &store.Incident{
		ID:         incidentID,
		TravelerID: travelerID,
		Status:     store.IncidentOpen,
		CreatedAt:  now,
	}, &store.ScheduledAction{
		ActionType: ActionCascadeSeed,
		DedupKey:   &seedKey,
		RunAt:      now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to open incident: %w", err)
	}

	s.recorder.RecordIncidentTransition(string(store.IncidentOpen))
	slog.Info("incident opened", "incident_id", incident.ID, "traveler_id", travelerID)

	s.confirmToTraveler(ctx, incident)
	return incident, true, nil
}

// confirmToTraveler tells the traveler the alarm went out and hands them a
// cancel button. Best effort: the cascade does not depend on it.
func (s *Service) confirmToTraveler(ctx context.Context, incident *store.Incident) {
	traveler, err := s.store.GetUser(ctx, &store.FindUser{ID: &incident.TravelerID})
	if err != nil {
		slog.Warn("cannot confirm panic to traveler", "incident_id", incident.ID, "error", err)
		return
	}
	if traveler.ChatChatID == 0 {
		return
	}
	_, _, err = s.outbox.SendChat(ctx, &outbox.SendChatRequest{
		Key:    travelerNoticeKey(incident.ID, traveler.ID, "opened"),
		ChatID: traveler.ChatChatID,
		Text:   msgPanicSent,
		Buttons: []chat.InlineButton{
			{Label: btnCancel, Data: EncodeCallback(CallbackCancel, incident.ID)},
		},
	})
	if err != nil {
		slog.Warn("panic confirmation not delivered", "incident_id", incident.ID, "error", err)
	}
}

// Acknowledge records that a guardian took responsibility. The first terminal
// transition wins; repeat calls return the stored decision with
// applied=false and no side effects.
func (s *Service) Acknowledge(ctx context.Context, incidentID uuid.UUID, byUserID int32, via store.AckVia) (*store.Incident, bool, error) {
	incident, applied, err := s.store.AcknowledgeIncident(ctx, &store.AcknowledgeIncident{
		ID:             incidentID,
		AcknowledgedBy: byUserID,
		Via:            via,
		AcknowledgedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		slog.Info("acknowledge on settled incident",
			"incident_id", incidentID, "by", byUserID, "status", incident.Status)
		return incident, false, nil
	}

	s.recorder.RecordIncidentTransition(string(store.IncidentAcknowledged))
	slog.Info("incident acknowledged", "incident_id", incidentID, "by", byUserID, "via", via)

	s.closeOut(ctx, incident)
	return incident, true, nil
}

// Cancel lets the traveler call off their own alarm.
func (s *Service) Cancel(ctx context.Context, incidentID uuid.UUID, byUserID int32) (*store.Incident, bool, error) {
	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incidentID})
	if err != nil {
		return nil, false, err
	}
	if incident.TravelerID != byUserID {
		return nil, false, ErrNotAllowed
	}

	incident, applied, err := s.store.CancelIncident(ctx, &store.CancelIncident{
		ID:         incidentID,
		CanceledBy: byUserID,
		CanceledAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		slog.Info("cancel on settled incident", "incident_id", incidentID, "status", incident.Status)
		return incident, false, nil
	}

	s.recorder.RecordIncidentTransition(string(store.IncidentCanceled))
	slog.Info("incident canceled", "incident_id", incidentID, "by", byUserID)

	s.closeOut(ctx, incident)
	return incident, true, nil
}

// closeOut runs the post-terminal side effects: edit every guardian's alert
// message, notify the traveler, and tear down calls still in flight. All of
// it is best effort and keyed: a crashed closeOut redone by a webhook
// redelivery sends nothing twice, and a failed edit never re-opens the
// incident. Scheduled actions were already canceled inside the transition
// transaction.
func (s *Service) closeOut(ctx context.Context, incident *store.Incident) {
	canceled := incident.Status == store.IncidentCanceled

	editText := msgCanceledEdit
	ackedName := ""
	if !canceled && incident.AcknowledgedBy != nil {
		if acker, err := s.store.GetUser(ctx, &store.FindUser{ID: incident.AcknowledgedBy}); err == nil {
			ackedName = acker.DisplayName
		} else {
			slog.Warn("acknowledger lookup failed", "incident_id", incident.ID, "error", err)
		}
		editText = handledEditText(ackedName)
	}

	alerts, err := s.store.ListAlerts(ctx, &store.FindAlert{IncidentID: &incident.ID})
	if err != nil {
		slog.Error("closeout: alert listing failed", "incident_id", incident.ID, "error", err)
		alerts = nil
	}

	for _, alert := range alerts {
		switch alert.Channel {
		case store.AlertChannelChat:
			s.editAlertMessage(ctx, incident, alert, editText)
		case store.AlertChannelVoice:
			s.hangupLiveAttempts(ctx, incident, alert)
		}
	}

	s.notifyTravelerClosed(ctx, incident, canceled, ackedName)
}

// editAlertMessage rewrites one guardian's alert message to its terminal
// text, dropping the ack button.
func (s *Service) editAlertMessage(ctx context.Context, incident *store.Incident, alert *store.Alert, text string) {
	alertKey := chatAlertKey(incident.ID, alert.AudienceUserID)
	rows, err := s.store.ListOutboxMessages(ctx, &store.FindOutboxMessage{IdempotencyKey: &alertKey})
	if err != nil || len(rows) == 0 {
		slog.Warn("closeout: alert message not found", "key", alertKey, "error", err)
		return
	}
	row := rows[0]
	if row.Status != store.OutboxSent || row.ProviderMessageID == nil {
		return
	}

	audience, err := s.store.GetUser(ctx, &store.FindUser{ID: &alert.AudienceUserID})
	if err != nil {
		slog.Warn("closeout: audience lookup failed", "incident_id", incident.ID, "user_id", alert.AudienceUserID, "error", err)
		return
	}

	if _, _, err := s.outbox.EditChat(ctx, &outbox.EditChatRequest{
		Key:       chatHandledKey(incident.ID, alert.AudienceUserID),
		ChatID:    audience.ChatChatID,
		MessageID: *row.ProviderMessageID,
		Text:      text,
	}); err != nil {
		slog.Warn("closeout: handled edit failed", "incident_id", incident.ID, "user_id", alert.AudienceUserID, "error", err)
	}
}

// hangupLiveAttempts tears down calls that have not reached a terminal
// result. Transient hangup failures are swallowed: the call dies on its own
// when the ring timeout or duration cap hits.
func (s *Service) hangupLiveAttempts(ctx context.Context, incident *store.Incident, alert *store.Alert) {
	attempts, err := s.store.ListCallAttempts(ctx, &store.FindCallAttempt{AlertID: &alert.ID})
	if err != nil {
		slog.Warn("closeout: attempt listing failed", "alert_id", alert.ID, "error", err)
		return
	}
	for _, attempt := range attempts {
		if attempt.Result.Terminal() || attempt.ProviderCallID == nil {
			continue
		}
		if _, err := s.outbox.Hangup(ctx, &outbox.HangupRequest{
			Key:            voiceHangupKey(incident.ID, alert.AudienceUserID, attempt.AttemptNo),
			ProviderCallID: *attempt.ProviderCallID,
		}); err != nil {
			slog.Warn("closeout: hangup failed", "incident_id", incident.ID, "call_id", *attempt.ProviderCallID, "error", err)
		}
	}
}

func (s *Service) notifyTravelerClosed(ctx context.Context, incident *store.Incident, canceled bool, ackedName string) {
	traveler, err := s.store.GetUser(ctx, &store.FindUser{ID: &incident.TravelerID})
	if err != nil {
		slog.Warn("closeout: traveler lookup failed", "incident_id", incident.ID, "error", err)
		return
	}
	if traveler.ChatChatID == 0 {
		return
	}

	kind, text := "acknowledged", ackNoticeText(ackedName)
	if canceled {
		kind, text = "canceled", msgPanicCanceled
	}
	if _, _, err := s.outbox.SendChat(ctx, &outbox.SendChatRequest{
		Key:    travelerNoticeKey(incident.ID, traveler.ID, kind),
		ChatID: traveler.ChatChatID,
		Text:   text,
	}); err != nil {
		slog.Warn("closeout: traveler notice failed", "incident_id", incident.ID, "error", err)
	}
}
