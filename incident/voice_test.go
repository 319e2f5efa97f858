package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/plugin/voice"
	"github.com/hrygo/protectogram/store"
)

func TestDTMFOneAcknowledgesIncident(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")
	g1 := e.createUser(200, "+79990000002", "Борис")
	e.linkGuardian(traveler.ID, g1.ID, 1)

	incident, _, err := e.service.Open(ctx, traveler.ID)
	require.NoError(t, err)
	e.runDue(time.Now().UTC())
	require.Len(t, e.caller.placed, 1)

	voiceAlert := e.getAlert(incident.ID, g1.ID, store.AlertChannelVoice)
	attempt := e.listAttempts(voiceAlert.ID)[0]

	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-dtmf",
		Kind:           voice.EventDTMF,
		ProviderCallID: *attempt.ProviderCallID,
		Digit:          "1",
		OccurredAt:     attempt.StartedAt.Add(12 * time.Second),
	}))

	acked := e.getIncident(incident.ID)
	assert.Equal(t, store.IncidentAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, g1.ID, *acked.AcknowledgedBy)
	require.NotNil(t, acked.AckVia)
	assert.Equal(t, store.AckViaDTMF, *acked.AckVia)

	settled := e.listAttempts(voiceAlert.ID)[0]
	assert.Equal(t, store.CallAcknowledged, settled.Result)
	require.NotNil(t, settled.DTMFDigit)
	assert.Equal(t, "1", *settled.DTMFDigit)
	require.NotNil(t, settled.EndedAt)

	// Closeout tears down the live call, rewrites the chat alert, and
	// cancels every pending timer.
	assert.Equal(t, []string{*attempt.ProviderCallID}, e.caller.hangups)
	require.Len(t, e.channel.edits, 1)
	assert.Contains(t, e.channel.edits[0].Text, "Борис")
	assert.Equal(t, 0, e.scheduledCount(incident.ID))
}

func TestEmptyGatherRetriesLikeNoAnswer(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")
	g1 := e.createUser(200, "+79990000002", "Борис")
	e.linkGuardian(traveler.ID, g1.ID, 1, func(l *store.GuardianLink) { l.ChatEnabled = false })

	incident, _, err := e.service.Open(ctx, traveler.ID)
	require.NoError(t, err)
	e.runDue(time.Now().UTC())

	voiceAlert := e.getAlert(incident.ID, g1.ID, store.AlertChannelVoice)
	attempt := e.listAttempts(voiceAlert.ID)[0]

	// The callee picked up, listened, and never pressed anything.
	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-gather",
		Kind:           voice.EventDTMF,
		ProviderCallID: *attempt.ProviderCallID,
		Digit:          "",
		OccurredAt:     attempt.StartedAt.Add(20 * time.Second),
	}))

	settled := e.listAttempts(voiceAlert.ID)[0]
	assert.Equal(t, store.CallAnsweredHuman, settled.Result)
	assert.Equal(t, store.IncidentOpen, e.getIncident(incident.ID).Status)

	retryType := ActionCallRetry
	scheduled := store.ActionScheduled
	retries, err := e.store.ListScheduledActions(ctx, &store.FindScheduledAction{
		ActionType: &retryType,
		State:      &scheduled,
	})
	require.NoError(t, err)
	assert.Len(t, retries, 1)
}

func TestHangupAfterGatherIsBookkeepingOnly(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")
	g1 := e.createUser(200, "+79990000002", "Борис")
	e.linkGuardian(traveler.ID, g1.ID, 1, func(l *store.GuardianLink) { l.ChatEnabled = false })

	incident, _, err := e.service.Open(ctx, traveler.ID)
	require.NoError(t, err)
	e.runDue(time.Now().UTC())

	voiceAlert := e.getAlert(incident.ID, g1.ID, store.AlertChannelVoice)
	attempt := e.listAttempts(voiceAlert.ID)[0]
	gatherAt := attempt.StartedAt.Add(20 * time.Second)

	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-gather",
		Kind:           voice.EventDTMF,
		ProviderCallID: *attempt.ProviderCallID,
		OccurredAt:     gatherAt,
	}))

	// The teardown webhook trails the gather on every answered call.
	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-hangup",
		Kind:           voice.EventHangup,
		ProviderCallID: *attempt.ProviderCallID,
		HangupCause:    "normal_clearing",
		OccurredAt:     gatherAt.Add(2 * time.Second),
	}))

	settled := e.listAttempts(voiceAlert.ID)[0]
	assert.Equal(t, store.CallAnsweredHuman, settled.Result)

	retryType := ActionCallRetry
	scheduled := store.ActionScheduled
	retries, err := e.store.ListScheduledActions(ctx, &store.FindScheduledAction{
		ActionType: &retryType,
		State:      &scheduled,
	})
	require.NoError(t, err)
	assert.Len(t, retries, 1)
}

func TestAnsweringMachineHangsUpAndRetries(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")
	g1 := e.createUser(200, "+79990000002", "Борис")
	e.linkGuardian(traveler.ID, g1.ID, 1, func(l *store.GuardianLink) { l.ChatEnabled = false })

	incident, _, err := e.service.Open(ctx, traveler.ID)
	require.NoError(t, err)
	e.runDue(time.Now().UTC())

	voiceAlert := e.getAlert(incident.ID, g1.ID, store.AlertChannelVoice)
	attempt := e.listAttempts(voiceAlert.ID)[0]

	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-amd",
		Kind:           voice.EventAMD,
		ProviderCallID: *attempt.ProviderCallID,
		AMDResult:      "machine",
		OccurredAt:     attempt.StartedAt.Add(8 * time.Second),
	}))

	assert.Equal(t, []string{*attempt.ProviderCallID}, e.caller.hangups)

	settled := e.listAttempts(voiceAlert.ID)[0]
	assert.Equal(t, store.CallAnsweredMachine, settled.Result)
	require.NotNil(t, settled.ErrorCode)
	assert.Equal(t, "answering_machine", *settled.ErrorCode)

	retryType := ActionCallRetry
	scheduled := store.ActionScheduled
	retries, err := e.store.ListScheduledActions(ctx, &store.FindScheduledAction{
		ActionType: &retryType,
		State:      &scheduled,
	})
	require.NoError(t, err)
	assert.Len(t, retries, 1)
}

func TestSettleEventsForUnknownCallError(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	// Hangup and gather must redeliver until the attempt is correlatable.
	err := e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-1",
		Kind:           voice.EventHangup,
		ProviderCallID: "call-404",
		HangupCause:    "no_answer",
	})
	require.Error(t, err)

	err = e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-2",
		Kind:           voice.EventDTMF,
		ProviderCallID: "call-404",
		Digit:          "1",
	})
	require.Error(t, err)

	// An initiated event for an unknown call is droppable.
	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-3",
		Kind:           voice.EventInitiated,
		ProviderCallID: "call-404",
	}))
}

func TestInitiatedPromotesPendingAttempt(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	traveler := e.createUser(100, "+79990000001", "Алиса")
	g1 := e.createUser(200, "+79990000002", "Борис")
	e.linkGuardian(traveler.ID, g1.ID, 1)

	incident, err := e.store.CreateIncident(ctx, &store.Incident{TravelerID: traveler.ID}, nil)
	require.NoError(t, err)
	alert, _, err := e.store.UpsertAlert(ctx, &store.Alert{
		IncidentID:     incident.ID,
		AudienceUserID: g1.ID,
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
	providerID := "call-raw"
	_, err = e.store.UpdateCallAttempt(ctx, &store.UpdateCallAttempt{ID: attempt.ID, ProviderCallID: &providerID})
	require.NoError(t, err)

	require.NoError(t, e.service.HandleVoiceEvent(ctx, &voice.Event{
		EventID:        "evt-init",
		Kind:           voice.EventInitiated,
		ProviderCallID: providerID,
	}))

	promoted := e.listAttempts(alert.ID)[0]
	assert.Equal(t, store.CallRinging, promoted.Result)
}
