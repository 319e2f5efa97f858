package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/protectogram/metrics"
	"github.com/hrygo/protectogram/store"
	teststore "github.com/hrygo/protectogram/store/test"
)

func TestDeduperRecord(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	deduper := NewDeduper(st, metrics.NewRecorder(metrics.DefaultConfig()))

	event, fresh, err := deduper.Record(ctx, store.ProviderTelegram, "upd-1", []byte(`{"update_id":1}`))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEmpty(t, event.CorrelationID)

	dup, fresh, err := deduper.Record(ctx, store.ProviderTelegram, "upd-1", []byte(`{"update_id":1,"replayed":true}`))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, event.ID, dup.ID)
	assert.Equal(t, event.CorrelationID, dup.CorrelationID)

	// Same event id under another provider is a distinct event.
	_, fresh, err = deduper.Record(ctx, store.ProviderTelnyx, "upd-1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestSweeperRedispatchesStaleEvents(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	recorder := metrics.NewRecorder(metrics.DefaultConfig())
	deduper := NewDeduper(st, recorder)
	sweeper := NewSweeper(st, deduper, recorder)

	// A stale unprocessed event, an already processed one, and a fresh one.
	_, _, err := st.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        store.ProviderTelegram,
		ProviderEventID: "stale",
		CorrelationID:   "c1",
		Payload:         []byte(`{}`),
		ReceivedAt:      time.Now().UTC().Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	_, _, err = st.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        store.ProviderTelegram,
		ProviderEventID: "done",
		CorrelationID:   "c2",
		Payload:         []byte(`{}`),
		ReceivedAt:      time.Now().UTC().Add(-10 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, deduper.MarkProcessed(ctx, store.ProviderTelegram, "done"))

	_, _, err = deduper.Record(ctx, store.ProviderTelegram, "young", []byte(`{}`))
	require.NoError(t, err)

	var dispatched []string
	sweeper.Register(store.ProviderTelegram, func(ctx context.Context, event *store.InboxEvent) error {
		dispatched = append(dispatched, event.ProviderEventID)
		return nil
	})

	sweeper.sweep(ctx)
	assert.Equal(t, []string{"stale"}, dispatched)

	// The redispatched event is now processed; a second sweep is a no-op.
	dispatched = nil
	sweeper.sweep(ctx)
	assert.Empty(t, dispatched)

	events, err := st.ListUnprocessedInboxEvents(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "young", events[0].ProviderEventID)
}

func TestSweeperKeepsFailedEventsUnprocessed(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	recorder := metrics.NewRecorder(metrics.DefaultConfig())
	deduper := NewDeduper(st, recorder)
	sweeper := NewSweeper(st, deduper, recorder)

	_, _, err := st.RecordInboxEvent(ctx, &store.InboxEvent{
		Provider:        store.ProviderTelnyx,
		ProviderEventID: "evt-err",
		CorrelationID:   "c3",
		Payload:         []byte(`{}`),
		ReceivedAt:      time.Now().UTC().Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	calls := 0
	sweeper.Register(store.ProviderTelnyx, func(ctx context.Context, event *store.InboxEvent) error {
		calls++
		return errors.New("handler still broken")
	})

	sweeper.sweep(ctx)
	sweeper.sweep(ctx)
	assert.Equal(t, 2, calls)

	events, err := st.ListUnprocessedInboxEvents(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSweeperStartStop(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	recorder := metrics.NewRecorder(metrics.DefaultConfig())
	sweeper := NewSweeper(st, NewDeduper(st, recorder), recorder)

	sweeper.Start()
	sweeper.Start() // second start is a no-op
	sweeper.Stop()
	sweeper.Stop() // second stop must not panic
}
