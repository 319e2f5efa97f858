package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/internal/profile"
	"github.com/hrygo/protectogram/store"
)

func newTestDriver(t *testing.T) *DB {
	t.Helper()

	p := &profile.Profile{
		Mode:   "test",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "protectogram_test.db"),
	}
	driver, err := NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	require.NoError(t, store.New(driver, p).Migrate(context.Background()))
	return driver.(*DB)
}

func createTestUser(t *testing.T, d *DB, chatUserID int64) *store.User {
	t.Helper()
	user, err := d.CreateUser(context.Background(), &store.User{
		ChatUserID:  chatUserID,
		ChatChatID:  chatUserID,
		PhoneNumber: "+79161234567",
		DisplayName: "test user",
	})
	require.NoError(t, err)
	return user
}

func createTestIncident(t *testing.T, d *DB, travelerID int32) *store.Incident {
	t.Helper()
	incident, err := d.CreateIncident(context.Background(), &store.Incident{TravelerID: travelerID}, nil)
	require.NoError(t, err)
	return incident
}

func TestMigrateTwice(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{Mode: "test", Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "migrate_test.db")}
	driver, err := NewDB(p)
	require.NoError(t, err)
	defer driver.Close()

	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.Migrate(ctx))

	version, err := st.CurrentSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", version)
}

func TestRecordInboxEventDedup(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	first, fresh, err := d.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        store.ProviderTelegram,
		ProviderEventID: "42",
		CorrelationID:   "corr-1",
		Payload:         []byte(`{"update_id":42}`),
	})
	require.NoError(t, err)
	assert.True(t, fresh)

	dup, fresh, err := d.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        store.ProviderTelegram,
		ProviderEventID: "42",
		CorrelationID:   "corr-2",
		Payload:         []byte(`{"update_id":42,"replayed":true}`),
	})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, []byte(`{"update_id":42}`), dup.Payload)
	assert.Equal(t, "corr-1", dup.CorrelationID)

	pending, err := d.ListUnprocessedInboxEvents(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, d.MarkInboxEventProcessed(ctx, store.ProviderTelegram, "42", time.Now().UTC()))
	pending, err = d.ListUnprocessedInboxEvents(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpsertOutboxMessageFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	first, created, err := d.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: "incident:alert:chat:1",
		Channel:        store.AlertChannelChat,
		Payload:        []byte(`{"text":"original"}`),
	})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := d.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: "incident:alert:chat:1",
		Channel:        store.AlertChannelChat,
		Payload:        []byte(`{"text":"rewritten"}`),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, []byte(`{"text":"original"}`), dup.Payload)

	require.NoError(t, d.MarkOutboxMessageSent(ctx, first.ID, "msg-77", time.Now().UTC()))

	sent, created, err := d.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: "incident:alert:chat:1",
		Channel:        store.AlertChannelChat,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, store.OutboxSent, sent.Status)
	require.NotNil(t, sent.ProviderMessageID)
	assert.Equal(t, "msg-77", *sent.ProviderMessageID)
	assert.NotNil(t, sent.SentAt)
}

func TestMarkOutboxMessageFailedCountsAttempts(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	msg, _, err := d.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: "fail-key",
		Channel:        store.AlertChannelVoice,
	})
	require.NoError(t, err)

	require.NoError(t, d.MarkOutboxMessageFailed(ctx, msg.ID, "provider 500"))
	require.NoError(t, d.MarkOutboxMessageFailed(ctx, msg.ID, "provider 500 again"))

	stored, _, err := d.UpsertOutboxMessage(ctx, &store.OutboxMessage{
		IdempotencyKey: "fail-key",
		Channel:        store.AlertChannelVoice,
	})
	require.NoError(t, err)
	assert.Equal(t, store.OutboxFailed, stored.Status)
	assert.Equal(t, int32(2), stored.Attempts)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "provider 500 again", *stored.LastError)
}

func TestUpsertAlertIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 100)
	watcher := createTestUser(t, d, 101)
	incident := createTestIncident(t, d, traveler.ID)

	first, created, err := d.UpsertAlert(ctx, &store.Alert{
		IncidentID:     incident.ID,
		AudienceUserID: watcher.ID,
		Channel:        store.AlertChannelChat,
	})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := d.UpsertAlert(ctx, &store.Alert{
		IncidentID:     incident.ID,
		AudienceUserID: watcher.ID,
		Channel:        store.AlertChannelChat,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	voice, created, err := d.UpsertAlert(ctx, &store.Alert{
		IncidentID:     incident.ID,
		AudienceUserID: watcher.ID,
		Channel:        store.AlertChannelVoice,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, voice.ID)
}

func TestCreateCallAttemptIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 200)
	watcher := createTestUser(t, d, 201)
	incident := createTestIncident(t, d, traveler.ID)
	alert, _, err := d.UpsertAlert(ctx, &store.Alert{
		IncidentID: incident.ID, AudienceUserID: watcher.ID, Channel: store.AlertChannelVoice,
	})
	require.NoError(t, err)

	first, created, err := d.CreateCallAttempt(ctx, &store.CallAttempt{AlertID: alert.ID, AttemptNo: 1})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.CallPending, first.Result)

	dup, created, err := d.CreateCallAttempt(ctx, &store.CallAttempt{AlertID: alert.ID, AttemptNo: 1})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// A second live attempt is rejected while the first is still pending.
	_, _, err = d.CreateCallAttempt(ctx, &store.CallAttempt{AlertID: alert.ID, AttemptNo: 2})
	require.Error(t, err)

	result := store.CallNoAnswer
	endedAt := time.Now().UTC()
	_, err = d.UpdateCallAttempt(ctx, &store.UpdateCallAttempt{ID: first.ID, Result: &result, EndedAt: &endedAt})
	require.NoError(t, err)

	second, created, err := d.CreateCallAttempt(ctx, &store.CallAttempt{AlertID: alert.ID, AttemptNo: 2})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(2), second.AttemptNo)

	byProvider := "call-xyz"
	_, err = d.UpdateCallAttempt(ctx, &store.UpdateCallAttempt{ID: second.ID, ProviderCallID: &byProvider})
	require.NoError(t, err)
	found, err := d.GetCallAttempt(ctx, &store.FindCallAttempt{ProviderCallID: &byProvider})
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestCreateIncidentDeterministicID(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 300)

	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("panic:telegram:555"))
	dedup := "cascade-seed:" + id.String()
	seed := &store.ScheduledAction{
		ActionType: "panic_cascade_seed",
		DedupKey:   &dedup,
		RunAt:      time.Now().UTC(),
	}

	first, err := d.CreateIncident(ctx, &store.Incident{ID: id, TravelerID: traveler.ID}, seed)
	require.NoError(t, err)
	assert.Equal(t, id, first.ID)
	assert.Equal(t, store.IncidentOpen, first.Status)

	actions, err := d.ListScheduledActions(ctx, &store.FindScheduledAction{IncidentID: &id})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "panic_cascade_seed", actions[0].ActionType)

	// Redelivery recreates the same id; the stored incident comes back and no
	// second seed appears.
	dup, err := d.CreateIncident(ctx, &store.Incident{ID: id, TravelerID: traveler.ID}, seed)
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	actions, err = d.ListScheduledActions(ctx, &store.FindScheduledAction{IncidentID: &id})
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestAcknowledgeIncidentFirstTransitionWins(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 400)
	watcher := createTestUser(t, d, 401)
	other := createTestUser(t, d, 402)
	incident := createTestIncident(t, d, traveler.ID)

	for _, actionType := range []string{"call_timeout", "panic_reminder"} {
		_, _, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
			IncidentID: incident.ID,
			ActionType: actionType,
			RunAt:      time.Now().UTC().Add(time.Minute),
		})
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	acked, applied, err := d.AcknowledgeIncident(ctx, &store.AcknowledgeIncident{
		ID: incident.ID, AcknowledgedBy: watcher.ID, Via: store.AckViaChatButton, AcknowledgedAt: now,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, store.IncidentAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, watcher.ID, *acked.AcknowledgedBy)
	require.NotNil(t, acked.AckVia)
	assert.Equal(t, store.AckViaChatButton, *acked.AckVia)

	scheduled := store.ActionScheduled
	remaining, err := d.ListScheduledActions(ctx, &store.FindScheduledAction{IncidentID: &incident.ID, State: &scheduled})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	canceled := store.ActionCanceled
	gone, err := d.ListScheduledActions(ctx, &store.FindScheduledAction{IncidentID: &incident.ID, State: &canceled})
	require.NoError(t, err)
	assert.Len(t, gone, 2)

	// Second acknowledger loses and receives the stored decision.
	again, applied, err := d.AcknowledgeIncident(ctx, &store.AcknowledgeIncident{
		ID: incident.ID, AcknowledgedBy: other.ID, Via: store.AckViaDTMF, AcknowledgedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	require.NotNil(t, again.AcknowledgedBy)
	assert.Equal(t, watcher.ID, *again.AcknowledgedBy)

	// Cancellation after acknowledgment is a no-op as well.
	stored, applied, err := d.CancelIncident(ctx, &store.CancelIncident{
		ID: incident.ID, CanceledBy: traveler.ID, CanceledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, store.IncidentAcknowledged, stored.Status)
}

func TestCancelIncident(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 500)
	incident := createTestIncident(t, d, traveler.ID)

	stored, applied, err := d.CancelIncident(ctx, &store.CancelIncident{
		ID: incident.ID, CanceledBy: traveler.ID, CanceledAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, store.IncidentCanceled, stored.Status)
	require.NotNil(t, stored.CanceledBy)
	assert.Equal(t, traveler.ID, *stored.CanceledBy)
	assert.NotNil(t, stored.CanceledAt)
}

func TestAcknowledgeMissingIncident(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	_, _, err := d.AcknowledgeIncident(ctx, &store.AcknowledgeIncident{
		ID: uuid.New(), AcknowledgedBy: 1, Via: store.AckViaDTMF, AcknowledgedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimDueScheduledActions(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 600)
	incident := createTestIncident(t, d, traveler.ID)

	now := time.Now().UTC()
	for i, runAt := range []time.Time{now.Add(-2 * time.Second), now.Add(-time.Second), now.Add(time.Hour)} {
		key := "claim-" + string(rune('a'+i))
		_, _, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
			IncidentID: incident.ID,
			ActionType: "call_attempt",
			DedupKey:   &key,
			RunAt:      runAt,
		})
		require.NoError(t, err)
	}

	claimed, err := d.ClaimDueScheduledActions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, action := range claimed {
		assert.Equal(t, store.ActionRunning, action.State)
		assert.Equal(t, int32(1), action.Attempts)
		assert.NotNil(t, action.StartedAt)
	}
	// Oldest due first.
	assert.True(t, !claimed[0].RunAt.After(claimed[1].RunAt))

	// Claimed rows are invisible to the next pass.
	again, err := d.ClaimDueScheduledActions(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A retry reschedule becomes claimable once its run-at arrives.
	retryAt := now.Add(30 * time.Second)
	lastErr := "provider timeout"
	require.NoError(t, d.FinishScheduledAction(ctx, &store.FinishScheduledAction{
		ID: claimed[0].ID, State: store.ActionScheduled, RunAt: &retryAt, LastError: &lastErr,
	}))
	require.NoError(t, d.FinishScheduledAction(ctx, &store.FinishScheduledAction{
		ID: claimed[1].ID, State: store.ActionDone, FinishedAt: now,
	}))

	none, err := d.ClaimDueScheduledActions(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	later, err := d.ClaimDueScheduledActions(ctx, retryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, claimed[0].ID, later[0].ID)
	assert.Equal(t, int32(2), later[0].Attempts)
	require.NotNil(t, later[0].LastError)
	assert.Equal(t, "provider timeout", *later[0].LastError)
}

func TestClaimHonorsLimit(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 700)
	incident := createTestIncident(t, d, traveler.ID)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, _, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
			IncidentID: incident.ID,
			ActionType: "panic_reminder",
			RunAt:      now.Add(time.Duration(-i) * time.Second),
		})
		require.NoError(t, err)
	}

	claimed, err := d.ClaimDueScheduledActions(ctx, now, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)

	rest, err := d.ClaimDueScheduledActions(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestRecoverStuckScheduledActions(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 800)
	incident := createTestIncident(t, d, traveler.ID)

	now := time.Now().UTC()
	_, _, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incident.ID, ActionType: "call_timeout", RunAt: now.Add(-time.Second),
	})
	require.NoError(t, err)

	claimed, err := d.ClaimDueScheduledActions(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Simulated crash: the handler never finished. Startup recovery returns
	// the row to scheduled.
	recovered, err := d.RecoverStuckScheduledActions(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	reclaimed, err := d.ClaimDueScheduledActions(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)
	assert.Equal(t, int32(2), reclaimed[0].Attempts)
}

func TestCreateScheduledActionDedup(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 900)
	incident := createTestIncident(t, d, traveler.ID)

	key := "retry:alert-1:2"
	first, created, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incident.ID, ActionType: "call_retry", DedupKey: &key, RunAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)

	dup, created, err := d.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incident.ID, ActionType: "call_retry", DedupKey: &key, RunAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// Keyless actions never collide.
	_, created, err = d.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incident.ID, ActionType: "call_retry", RunAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = d.CreateScheduledAction(ctx, &store.ScheduledAction{
		IncidentID: incident.ID, ActionType: "call_retry", RunAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestListGuardianLinksOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	traveler := createTestUser(t, d, 1000)
	w1 := createTestUser(t, d, 1001)
	w2 := createTestUser(t, d, 1002)
	w3 := createTestUser(t, d, 1003)

	base := time.Now().UTC()
	for _, link := range []*store.GuardianLink{
		{TravelerID: traveler.ID, WatcherID: w1.ID, PriorityRank: 2, CreatedAt: base},
		{TravelerID: traveler.ID, WatcherID: w2.ID, PriorityRank: 1, CreatedAt: base.Add(2 * time.Second)},
		{TravelerID: traveler.ID, WatcherID: w3.ID, PriorityRank: 1, CreatedAt: base.Add(time.Second)},
	} {
		link.ChatEnabled = true
		_, err := d.CreateGuardianLink(ctx, link)
		require.NoError(t, err)
	}

	links, err := d.ListGuardianLinks(ctx, &store.FindGuardianLink{TravelerID: &traveler.ID})
	require.NoError(t, err)
	require.Len(t, links, 3)
	assert.Equal(t, w3.ID, links[0].WatcherID)
	assert.Equal(t, w2.ID, links[1].WatcherID)
	assert.Equal(t, w1.ID, links[2].WatcherID)
}

func TestWithIncidentLock(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)
	id := uuid.New()

	// Sequential acquisitions succeed.
	calls := 0
	for i := 0; i < 2; i++ {
		err := d.WithIncidentLock(ctx, id, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)

	// A canceled context gives up immediately while the lock is held.
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.WithIncidentLock(ctx, id, func(context.Context) error {
			close(held)
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()
	<-held

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	err := d.WithIncidentLock(canceledCtx, id, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	<-done

	// Locks are per incident: another id is free while this one is held.
	require.NoError(t, d.WithIncidentLock(ctx, uuid.New(), func(context.Context) error { return nil }))
}

func TestGetIncidentNotFound(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	id := uuid.New()
	_, err := d.GetIncident(ctx, &store.FindIncident{ID: &id})
	require.ErrorIs(t, err, store.ErrNotFound)
}
