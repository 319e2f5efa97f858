package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/protectogram/internal/e164"
	"github.com/hrygo/protectogram/outbox"
	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/scheduler"
	"github.com/hrygo/protectogram/store"
)

// Scheduled action types driven by the cascade.
const (
	ActionCascadeSeed   = "panic_cascade_seed"
	ActionCallAttempt   = "call_attempt"
	ActionCallTimeout   = "call_timeout"
	ActionCallRetry     = "call_retry"
	ActionPanicReminder = "panic_reminder"
)

// timeoutGrace pads the watchdog past the ring window. An answered call
// legitimately outlives the ring timeout while the prompt plays and the
// gather waits; the watchdog only backstops lost terminal webhooks.
const timeoutGrace = 60 * time.Second

type callActionPayload struct {
	AudienceUserID int32 `json:"audience_user_id"`
	AttemptNo      int32 `json:"attempt_no"`
}

type reminderActionPayload struct {
	N int `json:"n"`
}

// RegisterHandlers binds the cascade's scheduled-action handlers.
func (s *Service) RegisterHandlers(runner *scheduler.Runner) {
	runner.Register(ActionCascadeSeed, s.handleCascadeSeed)
	runner.Register(ActionCallAttempt, s.handleCallAttempt)
	// A retry re-enters the attempt flow; the distinct type keeps retries
	// apart from first attempts in logs and metrics.
	runner.Register(ActionCallRetry, s.handleCallAttempt)
	runner.Register(ActionCallTimeout, s.handleCallTimeout)
	runner.Register(ActionPanicReminder, s.handleReminder)
}

// handleCascadeSeed turns a fresh incident into alert rows, the first call
// attempts, and the reminder timer. It replays safely: alerts upsert, action
// enqueues dedup, and chat sends are keyed.
func (s *Service) handleCascadeSeed(ctx context.Context, action *store.ScheduledAction) error {
	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &action.IncidentID})
	if err != nil {
		return err
	}
	if incident.Terminal() {
		slog.Info("cascade seed skipped, incident settled", "incident_id", incident.ID, "status", incident.Status)
		return nil
	}

	traveler, err := s.store.GetUser(ctx, &store.FindUser{ID: &incident.TravelerID})
	if err != nil {
		return err
	}

	active := store.GuardianLinkActive
	links, err := s.store.ListGuardianLinks(ctx, &store.FindGuardianLink{TravelerID: &incident.TravelerID, Status: &active})
	if err != nil {
		return err
	}
	if len(links) == 0 {
		slog.Warn("no guardians to alert", "incident_id", incident.ID, "traveler_id", incident.TravelerID)
		return s.notifyExhausted(ctx, incident)
	}

	type chatTarget struct {
		alert   *store.Alert
		watcher *store.User
	}
	var chatTargets []chatTarget
	reached := 0

	err = s.store.WithIncidentLock(ctx, incident.ID, func(ctx context.Context) error {
		fresh, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incident.ID})
		if err != nil {
			return err
		}
		if fresh.Terminal() {
			return nil
		}

		now := time.Now().UTC()
		haveChat := false
		for _, link := range links {
			watcher, err := s.store.GetUser(ctx, &store.FindUser{ID: &link.WatcherID})
			if err != nil {
				return err
			}

			chatReachable := link.ChatEnabled && watcher.ChatChatID != 0
			callReachable := link.CallEnabled && watcher.PhoneNumber != ""
			if !chatReachable && !callReachable {
				slog.Warn("guardian unreachable on every channel",
					"incident_id", incident.ID, "watcher_id", watcher.ID)
				continue
			}
			reached++

			if chatReachable {
				alert, _, err := s.store.UpsertAlert(ctx, &store.Alert{
					IncidentID:     incident.ID,
					AudienceUserID: watcher.ID,
					Channel:        store.AlertChannelChat,
					Status:         store.AlertPending,
				})
				if err != nil {
					return err
				}
				haveChat = true
				if alert.Status == store.AlertPending {
					chatTargets = append(chatTargets, chatTarget{alert: alert, watcher: watcher})
				}
			}

			if callReachable {
				if _, _, err := s.store.UpsertAlert(ctx, &store.Alert{
					IncidentID:     incident.ID,
					AudienceUserID: watcher.ID,
					Channel:        store.AlertChannelVoice,
					Status:         store.AlertPending,
				}); err != nil {
					return err
				}
				if err := s.enqueueCallAction(ctx, incident.ID, ActionCallAttempt,
					attemptDedupKey(incident.ID, watcher.ID, 1), now, watcher.ID, 1); err != nil {
					return err
				}
			}
		}

		if haveChat {
			return s.enqueueReminder(ctx, incident.ID, 1, now.Add(s.reminderInterval()))
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Links existed but nobody had a working channel: same dead end as
	// having no guardians at all.
	if reached == 0 {
		slog.Warn("no reachable guardians", "incident_id", incident.ID, "links", len(links))
		return s.notifyExhausted(ctx, incident)
	}

	var firstErr error
	for _, target := range chatTargets {
		if err := s.sendGuardianAlert(ctx, incident, traveler, target.alert, target.watcher); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendGuardianAlert delivers the initial alert message with the ack button.
// Transient failures propagate so the seed action retries; permanent ones
// settle the alert as failed.
func (s *Service) sendGuardianAlert(ctx context.Context, incident *store.Incident, traveler *store.User, alert *store.Alert, watcher *store.User) error {
	_, _, err := s.outbox.SendChat(ctx, &outbox.SendChatRequest{
		Key:    chatAlertKey(incident.ID, watcher.ID),
		ChatID: watcher.ChatChatID,
		Text:   guardianAlertText(traveler.DisplayName),
		Buttons: []chat.InlineButton{
			{Label: btnAck, Data: EncodeCallback(CallbackAck, incident.ID)},
		},
	})
	if err != nil {
		if chat.Retryable(err) {
			return err
		}
		slog.Warn("guardian alert rejected by provider",
			"incident_id", incident.ID, "watcher_id", watcher.ID, "error", err)
		s.failAlert(ctx, alert, err)
		if exhausted, exErr := s.allAlertsHalted(ctx, incident.ID); exErr == nil && exhausted {
			return s.notifyExhausted(ctx, incident)
		}
		return nil
	}

	sent := store.AlertSent
	attempts := int32(1)
	if _, err := s.store.UpdateAlert(ctx, &store.UpdateAlert{
		ID:        alert.ID,
		Status:    &sent,
		Attempts:  &attempts,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return nil
}

// handleCallAttempt places attempt n of the voice cascade for one guardian.
func (s *Service) handleCallAttempt(ctx context.Context, action *store.ScheduledAction) error {
	var p callActionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return fmt.Errorf("malformed call action payload: %w", err)
	}

	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &action.IncidentID})
	if err != nil {
		return err
	}
	if incident.Terminal() {
		return nil
	}

	link, err := s.guardianLink(ctx, incident.TravelerID, p.AudienceUserID)
	if err != nil {
		return err
	}
	if link == nil || !link.CallEnabled {
		slog.Warn("call attempt for inactive guardian link",
			"incident_id", incident.ID, "watcher_id", p.AudienceUserID)
		return nil
	}

	watcher, err := s.store.GetUser(ctx, &store.FindUser{ID: &p.AudienceUserID})
	if err != nil {
		return err
	}
	if watcher.PhoneNumber == "" {
		slog.Warn("guardian has no phone number", "incident_id", incident.ID, "watcher_id", watcher.ID)
		return nil
	}

	if s.profile.AllowOnlyWhitelist && !e164.Allowed(watcher.PhoneNumber, s.profile.AllowedE164Numbers) {
		slog.Warn("call target not whitelisted",
			"incident_id", incident.ID, "watcher_id", watcher.ID)
		return s.settle(ctx, incident.ID, p.AudienceUserID, p.AttemptNo,
			store.CallFailed, "", "number_not_whitelisted", time.Now().UTC(), false)
	}

	traveler, err := s.store.GetUser(ctx, &store.FindUser{ID: &incident.TravelerID})
	if err != nil {
		return err
	}

	ring := s.ringTimeout(link)

	var (
		attempt   *store.CallAttempt
		skip      bool
		exhausted bool
	)
	err = s.store.WithIncidentLock(ctx, incident.ID, func(ctx context.Context) error {
		fresh, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incident.ID})
		if err != nil {
			return err
		}
		if fresh.Terminal() {
			skip = true
			return nil
		}

		alert, err := s.voiceAlert(ctx, incident.ID, p.AudienceUserID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("call attempt without a voice alert",
				"incident_id", incident.ID, "watcher_id", p.AudienceUserID)
			skip = true
			return nil
		}
		if err != nil {
			return err
		}
		if alert.Status == store.AlertHalted || alert.Status == store.AlertFailed {
			skip = true
			return nil
		}

		attempts, err := s.store.ListCallAttempts(ctx, &store.FindCallAttempt{AlertID: &alert.ID})
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if a.AttemptNo == p.AttemptNo {
				attempt = a
			}
		}
		if attempt != nil && attempt.Result.Terminal() {
			skip = true
			return nil
		}

		if p.AttemptNo > s.maxRetries(link) || s.ringBudgetExceeded(attempts, ring) {
			if err := s.haltAlert(ctx, alert); err != nil {
				return err
			}
			skip = true
			exhausted, err = s.allAlertsHalted(ctx, incident.ID)
			return err
		}

		now := time.Now().UTC()
		if attempt == nil {
			attempt, _, err = s.store.CreateCallAttempt(ctx, &store.CallAttempt{
				AlertID:   alert.ID,
				AttemptNo: p.AttemptNo,
				Result:    store.CallPending,
				StartedAt: now,
			})
			if err != nil {
				return err
			}
		}

		// Watchdog: if the terminal webhook never arrives, settle the
		// attempt as no-answer after ring + grace.
		if err := s.enqueueCallAction(ctx, incident.ID, ActionCallTimeout,
			timeoutDedupKey(incident.ID, p.AudienceUserID, p.AttemptNo),
			now.Add(time.Duration(ring)*time.Second+timeoutGrace),
			p.AudienceUserID, p.AttemptNo); err != nil {
			return err
		}

		attemptNo := p.AttemptNo
		_, err = s.store.UpdateAlert(ctx, &store.UpdateAlert{
			ID:        alert.ID,
			Attempts:  &attemptNo,
			UpdatedAt: now,
		})
		return err
	})
	if err != nil {
		return err
	}
	if exhausted {
		return s.notifyExhausted(ctx, incident)
	}
	if skip {
		return nil
	}

	providerID, _, err := s.outbox.PlaceCall(ctx, &outbox.PlaceCallRequest{
		Key:            voiceAttemptKey(incident.ID, p.AudienceUserID, p.AttemptNo),
		To:             watcher.PhoneNumber,
		Instructions:   s.callScript(traveler.DisplayName, ring),
		RingTimeoutSec: ring,
		// One call can never outlive the guardian's total ring budget.
		MaxDurationSec: s.profile.MaxTotalRingSec,
	})
	if err != nil {
		if voice.Retryable(err) {
			return err
		}
		slog.Warn("call placement rejected by provider",
			"incident_id", incident.ID, "watcher_id", watcher.ID, "error", err)
		return s.settle(ctx, incident.ID, p.AudienceUserID, p.AttemptNo,
			store.CallFailed, "", "placement_rejected", time.Now().UTC(), true)
	}

	return s.recordPlacement(ctx, incident.ID, p.AudienceUserID, attempt.ID, providerID)
}

// recordPlacement stores the provider call id and moves the attempt to
// ringing, unless a fast webhook already settled it.
func (s *Service) recordPlacement(ctx context.Context, incidentID uuid.UUID, audienceID int32, attemptID uuid.UUID, providerID string) error {
	return s.store.WithIncidentLock(ctx, incidentID, func(ctx context.Context) error {
		current, err := s.store.GetCallAttempt(ctx, &store.FindCallAttempt{ID: &attemptID})
		if err != nil {
			return err
		}

		update := &store.UpdateCallAttempt{ID: attemptID}
		changed := false
		if current.ProviderCallID == nil && providerID != "" {
			update.ProviderCallID = &providerID
			changed = true
		}
		if current.Result == store.CallPending {
			ringing := store.CallRinging
			update.Result = &ringing
			changed = true
		}
		if changed {
			if _, err := s.store.UpdateCallAttempt(ctx, update); err != nil {
				return err
			}
		}

		alert, err := s.voiceAlert(ctx, incidentID, audienceID)
		if err != nil {
			return err
		}
		if alert.Status == store.AlertPending {
			sent := store.AlertSent
			if _, err := s.store.UpdateAlert(ctx, &store.UpdateAlert{
				ID:        alert.ID,
				Status:    &sent,
				UpdatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// settle records a terminal result for one attempt and decides what follows:
// the next attempt, a halted alert, or nothing when the incident already
// left open. allowRetry=false forces the halt path regardless of budget.
func (s *Service) settle(ctx context.Context, incidentID uuid.UUID, audienceID int32, attemptNo int32, result store.CallResult, digit, errorCode string, endedAt time.Time, allowRetry bool) error {
	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incidentID})
	if err != nil {
		return err
	}

	var exhausted bool
	err = s.store.WithIncidentLock(ctx, incidentID, func(ctx context.Context) error {
		alert, err := s.voiceAlert(ctx, incidentID, audienceID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("settle without a voice alert", "incident_id", incidentID, "watcher_id", audienceID)
			return nil
		}
		if err != nil {
			return err
		}

		attempts, err := s.store.ListCallAttempts(ctx, &store.FindCallAttempt{AlertID: &alert.ID})
		if err != nil {
			return err
		}
		var attempt *store.CallAttempt
		for _, a := range attempts {
			if a.AttemptNo == attemptNo {
				attempt = a
			}
		}
		if attempt == nil {
			// Settling ahead of placement bookkeeping (whitelist reject or
			// a webhook racing the claim): create the row, then finish it.
			attempt, _, err = s.store.CreateCallAttempt(ctx, &store.CallAttempt{
				AlertID:   alert.ID,
				AttemptNo: attemptNo,
				Result:    store.CallPending,
				StartedAt: endedAt,
			})
			if err != nil {
				return err
			}
		}

		fresh, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incidentID})
		if err != nil {
			return err
		}

		if !attempt.Result.Terminal() {
			update := &store.UpdateCallAttempt{ID: attempt.ID, Result: &result, EndedAt: &endedAt}
			if digit != "" {
				update.DTMFDigit = &digit
			}
			if errorCode != "" {
				update.ErrorCode = &errorCode
			}
			if _, err := s.store.UpdateCallAttempt(ctx, update); err != nil {
				return err
			}
			s.recorder.RecordCallAttempt(string(result))
		}

		if fresh.Terminal() {
			return nil
		}
		if alert.Status == store.AlertHalted || alert.Status == store.AlertFailed {
			exhausted, err = s.allAlertsHalted(ctx, incidentID)
			return err
		}

		link, err := s.guardianLink(ctx, fresh.TravelerID, audienceID)
		if err != nil {
			return err
		}

		retry := allowRetry && link != nil && attemptNo < s.maxRetries(link)
		if retry {
			used := durationUsed(attempts, attempt.ID, attempt.StartedAt, endedAt)
			capBudget := time.Duration(s.profile.MaxTotalRingSec) * time.Second
			if used+time.Duration(s.ringTimeout(link))*time.Second > capBudget {
				retry = false
			}
		}
		if retry {
			// Backoff runs from the attempt's end, not from when this
			// handler got around to running, so a delayed settle cannot
			// stretch the cascade.
			runAt := endedAt.Add(s.retryBackoff(link))
			return s.enqueueCallAction(ctx, incidentID, ActionCallRetry,
				retryDedupKey(incidentID, audienceID, attemptNo+1), runAt, audienceID, attemptNo+1)
		}

		if err := s.haltAlert(ctx, alert); err != nil {
			return err
		}
		exhausted, err = s.allAlertsHalted(ctx, incidentID)
		return err
	})
	if err != nil {
		return err
	}

	if exhausted {
		return s.notifyExhausted(ctx, incident)
	}
	return nil
}

// handleCallTimeout is the lost-webhook backstop: an attempt still live past
// ring + grace settles as no-answer, and the call, if the provider still has
// it up, gets a best-effort hangup.
func (s *Service) handleCallTimeout(ctx context.Context, action *store.ScheduledAction) error {
	var p callActionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return fmt.Errorf("malformed call action payload: %w", err)
	}

	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &action.IncidentID})
	if err != nil {
		return err
	}
	if incident.Terminal() {
		return nil
	}

	alert, err := s.voiceAlert(ctx, incident.ID, p.AudienceUserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	attempts, err := s.store.ListCallAttempts(ctx, &store.FindCallAttempt{AlertID: &alert.ID})
	if err != nil {
		return err
	}
	var attempt *store.CallAttempt
	for _, a := range attempts {
		if a.AttemptNo == p.AttemptNo {
			attempt = a
		}
	}
	if attempt == nil || attempt.Result.Terminal() {
		return nil
	}

	slog.Warn("call attempt missed its terminal webhook",
		"incident_id", incident.ID, "watcher_id", p.AudienceUserID, "attempt_no", p.AttemptNo)

	if attempt.ProviderCallID != nil {
		if _, err := s.outbox.Hangup(ctx, &outbox.HangupRequest{
			Key:            voiceHangupKey(incident.ID, p.AudienceUserID, p.AttemptNo),
			ProviderCallID: *attempt.ProviderCallID,
		}); err != nil {
			slog.Warn("watchdog hangup failed", "incident_id", incident.ID, "error", err)
		}
	}

	return s.settle(ctx, incident.ID, p.AudienceUserID, p.AttemptNo,
		store.CallNoAnswer, "", "watchdog_timeout", time.Now().UTC(), true)
}

// handleReminder re-pings every guardian whose chat alert is still standing
// and re-arms itself while the incident stays open.
func (s *Service) handleReminder(ctx context.Context, action *store.ScheduledAction) error {
	var p reminderActionPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return fmt.Errorf("malformed reminder payload: %w", err)
	}

	incident, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &action.IncidentID})
	if err != nil {
		return err
	}
	if incident.Terminal() {
		return nil
	}

	chatChannel := store.AlertChannelChat
	var targets []*store.Alert
	err = s.store.WithIncidentLock(ctx, incident.ID, func(ctx context.Context) error {
		fresh, err := s.store.GetIncident(ctx, &store.FindIncident{ID: &incident.ID})
		if err != nil {
			return err
		}
		if fresh.Terminal() {
			return nil
		}

		alerts, err := s.store.ListAlerts(ctx, &store.FindAlert{IncidentID: &incident.ID, Channel: &chatChannel})
		if err != nil {
			return err
		}
		for _, alert := range alerts {
			if alert.Status == store.AlertSent || alert.Status == store.AlertDelivered {
				targets = append(targets, alert)
			}
		}
		if len(targets) == 0 {
			return nil
		}
		return s.enqueueReminder(ctx, incident.ID, p.N+1, time.Now().UTC().Add(s.reminderInterval()))
	})
	if err != nil {
		return err
	}

	var firstErr error
	for _, alert := range targets {
		watcher, err := s.store.GetUser(ctx, &store.FindUser{ID: &alert.AudienceUserID})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, _, err = s.outbox.SendChat(ctx, &outbox.SendChatRequest{
			Key:    chatReminderKey(incident.ID, alert.AudienceUserID, p.N),
			ChatID: watcher.ChatChatID,
			Text:   reminderText(p.N),
			Buttons: []chat.InlineButton{
				{Label: btnAck, Data: EncodeCallback(CallbackAck, incident.ID)},
			},
		})
		if err != nil {
			if !chat.Retryable(err) {
				slog.Warn("reminder rejected by provider",
					"incident_id", incident.ID, "watcher_id", alert.AudienceUserID, "error", err)
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// notifyExhausted tells the traveler nobody confirmed the alarm. The
// incident stays open: a late button press still acknowledges it.
func (s *Service) notifyExhausted(ctx context.Context, incident *store.Incident) error {
	traveler, err := s.store.GetUser(ctx, &store.FindUser{ID: &incident.TravelerID})
	if err != nil {
		return err
	}
	if traveler.ChatChatID == 0 {
		return nil
	}
	_, _, err = s.outbox.SendChat(ctx, &outbox.SendChatRequest{
		Key:    travelerNoticeKey(incident.ID, traveler.ID, "exhausted"),
		ChatID: traveler.ChatChatID,
		Text:   msgExhausted,
	})
	if err != nil && chat.Retryable(err) {
		return err
	}
	if err != nil {
		slog.Warn("exhaustion notice rejected by provider", "incident_id", incident.ID, "error", err)
	}
	return nil
}

// callScript builds the spoken prompt and the single-digit gather for one
// call attempt. The prompt plays twice before the gather starts.
func (s *Service) callScript(travelerName string, ringTimeoutSec int) []voice.Instruction {
	prompt := ttsPromptText(travelerName)
	return []voice.Instruction{
		voice.Speak(ttsLanguage, prompt),
		voice.Speak(ttsLanguage, prompt),
		voice.GatherDigits(1, "1", ringTimeoutSec),
		voice.HangUp(),
	}
}

func (s *Service) enqueueCallAction(ctx context.Context, incidentID uuid.UUID, actionType, dedupKey string, runAt time.Time, audienceID, attemptNo int32) error {
	payload, err := json.Marshal(&callActionPayload{AudienceUserID: audienceID, AttemptNo: attemptNo})
	if err != nil {
		return err
	}
	_, _, err = s.store.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incidentID,
		ActionType: actionType,
		DedupKey:   &dedupKey,
		RunAt:      runAt,
		Payload:    payload,
	})
	return err
}

func (s *Service) enqueueReminder(ctx context.Context, incidentID uuid.UUID, n int, runAt time.Time) error {
	payload, err := json.Marshal(&reminderActionPayload{N: n})
	if err != nil {
		return err
	}
	dedupKey := reminderDedupKey(incidentID, n)
	_, _, err = s.store.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incidentID,
		ActionType: ActionPanicReminder,
		DedupKey:   &dedupKey,
		RunAt:      runAt,
		Payload:    payload,
	})
	return err
}

func (s *Service) guardianLink(ctx context.Context, travelerID, watcherID int32) (*store.GuardianLink, error) {
	active := store.GuardianLinkActive
	links, err := s.store.ListGuardianLinks(ctx, &store.FindGuardianLink{
		TravelerID: &travelerID,
		WatcherID:  &watcherID,
		Status:     &active,
	})
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}
	return links[0], nil
}

func (s *Service) voiceAlert(ctx context.Context, incidentID uuid.UUID, audienceID int32) (*store.Alert, error) {
	voiceChannel := store.AlertChannelVoice
	alerts, err := s.store.ListAlerts(ctx, &store.FindAlert{
		IncidentID:     &incidentID,
		AudienceUserID: &audienceID,
		Channel:        &voiceChannel,
	})
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, store.ErrNotFound
	}
	return alerts[0], nil
}

func (s *Service) haltAlert(ctx context.Context, alert *store.Alert) error {
	halted := store.AlertHalted
	_, err := s.store.UpdateAlert(ctx, &store.UpdateAlert{
		ID:        alert.ID,
		Status:    &halted,
		UpdatedAt: time.Now().UTC(),
	})
	return err
}

func (s *Service) failAlert(ctx context.Context, alert *store.Alert, cause error) {
	failed := store.AlertFailed
	lastError := cause.Error()
	if _, err := s.store.UpdateAlert(ctx, &store.UpdateAlert{
		ID:        alert.ID,
		Status:    &failed,
		LastError: &lastError,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("failed to settle alert", "alert_id", alert.ID, "error", err)
	}
}

// allAlertsHalted reports whether every alert of the incident reached a dead
// end. True with zero alerts: a cascade that never had anyone to call is
// exhausted from the start.
func (s *Service) allAlertsHalted(ctx context.Context, incidentID uuid.UUID) (bool, error) {
	alerts, err := s.store.ListAlerts(ctx, &store.FindAlert{IncidentID: &incidentID})
	if err != nil {
		return false, err
	}
	for _, alert := range alerts {
		if alert.Status != store.AlertHalted && alert.Status != store.AlertFailed {
			return false, nil
		}
	}
	return true, nil
}

// ringBudgetExceeded reports whether another attempt ringing for
// ringTimeoutSec would pass the guardian's cumulative cap.
func (s *Service) ringBudgetExceeded(attempts []*store.CallAttempt, ringTimeoutSec int) bool {
	var used time.Duration
	for _, a := range attempts {
		if a.EndedAt == nil {
			continue
		}
		used += attemptDuration(a.StartedAt, *a.EndedAt)
	}
	capBudget := time.Duration(s.profile.MaxTotalRingSec) * time.Second
	return used+time.Duration(ringTimeoutSec)*time.Second > capBudget
}

// durationUsed sums terminal attempt durations, substituting endedAt for the
// attempt being settled right now.
func durationUsed(attempts []*store.CallAttempt, settlingID uuid.UUID, settlingStart, endedAt time.Time) time.Duration {
	used := attemptDuration(settlingStart, endedAt)
	for _, a := range attempts {
		if a.ID == settlingID || a.EndedAt == nil {
			continue
		}
		used += attemptDuration(a.StartedAt, *a.EndedAt)
	}
	return used
}

func attemptDuration(start, end time.Time) time.Duration {
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

func (s *Service) reminderInterval() time.Duration {
	return time.Duration(s.profile.ReminderIntervalSec) * time.Second
}

func (s *Service) ringTimeout(link *store.GuardianLink) int {
	if link != nil && link.RingTimeoutSec > 0 {
		return int(link.RingTimeoutSec)
	}
	return s.profile.RingTimeoutSec
}

func (s *Service) maxRetries(link *store.GuardianLink) int32 {
	if link != nil && link.MaxRetries > 0 {
		return link.MaxRetries
	}
	return int32(s.profile.MaxRetries)
}

func (s *Service) retryBackoff(link *store.GuardianLink) time.Duration {
	if link != nil && link.RetryBackoffSec > 0 {
		return time.Duration(link.RetryBackoffSec) * time.Second
	}
	return time.Duration(s.profile.RetryBackoffSec) * time.Second
}
