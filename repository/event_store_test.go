package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"platform-sync/models"
	"platform-sync/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEvent(key, user string, at time.Time) (*models.SyncEvent, *models.Transaction) {
	ev := &models.SyncEvent{
		IdempotencyKey: key,
		Source:         models.PlatformTelegram,
		EventType:      models.EventTypeXPChange,
		UserID:         user,
		Payload:        datatypes.JSON(`{"delta_xp":50,"reason":"game"}`),
		Status:         models.EventStatusPending,
		CreatedAt:      at,
	}
	txn := &models.Transaction{
		IdempotencyKey: key,
		UserID:         user,
		Source:         models.PlatformTelegram,
		Type:           models.TransactionTypeXP,
		DeltaXP:        50,
		Reason:         "game",
		CreatedAt:      at,
	}
	return ev, txn
}

func TestEventStore_AppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := NewEventStore(db)
	ledger := NewLedger(db)

	ev, txn := newEvent("telegram_xp_change_g1_u1", "u1", t0)
	first, created, err := store.Append(ctx, ev, txn)
	require.NoError(t, err)
	assert.True(t, created)

	dup, dupTxn := newEvent("telegram_xp_change_g1_u1", "u1", t0.Add(time.Minute))
	second, created, err := store.Append(ctx, dup, dupTxn)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	xp, balance, err := ledger.Totals(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), xp)
	assert.Zero(t, balance)
}

func TestEventStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(testutil.NewDB(t))

	ev, txn := newEvent("k1", "u1", t0)
	_, _, err := store.Append(ctx, ev, txn)
	require.NoError(t, err)

	claimed, err := store.MarkProcessing(ctx, ev.ID, t0)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.MarkProcessing(ctx, ev.ID, t0)
	require.NoError(t, err)
	assert.False(t, claimed, "an event is claimed once")

	for i := 0; i < models.MaxEventRetries; i++ {
		require.NoError(t, store.MarkFailed(ctx, ev.ID, "boom", t0))
		ok, err := store.Retry(ctx, ev.ID, models.MaxEventRetries)
		require.NoError(t, err)
		if i < models.MaxEventRetries-1 {
			assert.True(t, ok, "attempt %d", i)
			_, err = store.MarkProcessing(ctx, ev.ID, t0)
			require.NoError(t, err)
		} else {
			assert.False(t, ok, "retries exhausted")
		}
	}

	got, err := store.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Equal(t, models.MaxEventRetries, got.Retries)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestEventStore_ListPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(testutil.NewDB(t))

	for i, key := range []string{"c", "a", "b"} {
		ev, txn := newEvent(key, "u1", t0.Add(time.Duration(2-i)*time.Minute))
		_, _, err := store.Append(ctx, ev, txn)
		require.NoError(t, err)
	}

	events, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "b", events[0].IdempotencyKey)
	assert.Equal(t, "a", events[1].IdempotencyKey)
	assert.Equal(t, "c", events[2].IdempotencyKey)
}

func TestEventStore_CountAndExpire(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(testutil.NewDB(t))

	old, oldTxn := newEvent("old", "u1", t0.Add(-40*24*time.Hour))
	fresh, freshTxn := newEvent("fresh", "u1", t0)
	for _, pair := range []struct {
		ev  *models.SyncEvent
		txn *models.Transaction
	}{{old, oldTxn}, {fresh, freshTxn}} {
		_, _, err := store.Append(ctx, pair.ev, pair.txn)
		require.NoError(t, err)
		require.NoError(t, store.MarkCompleted(ctx, pair.ev.ID, models.PlatformDiscord, t0))
	}

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.EventStatusCompleted])

	expired, err := store.ListExpired(ctx, t0.Add(-30*24*time.Hour), t0.Add(-7*24*time.Hour), models.MaxEventRetries, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].IdempotencyKey)

	n, err := store.DeleteByIDs(ctx, []string{expired[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventStore_AppendAfterPruneUsesLedger(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := NewEventStore(db)
	ledger := NewLedger(db)

	ev, txn := newEvent("telegram_xp_change_g1_u1", "u1", t0)
	_, _, err := store.Append(ctx, ev, txn)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, txn.EventID)
	_, err = store.DeleteByIDs(ctx, []string{ev.ID})
	require.NoError(t, err)

	replay, replayTxn := newEvent("telegram_xp_change_g1_u1", "u1", t0.Add(40*24*time.Hour))
	got, created, err := store.Append(ctx, replay, replayTxn)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, models.EventStatusArchived, got.Status)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	n, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventStore_AppendRollsBackWithoutLedgerRow(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := NewEventStore(db)

	_, taken := newEvent("k-taken", "u1", t0)
	require.NoError(t, db.Create(taken).Error)

	ev, txn := newEvent("k-event", "u1", t0)
	txn.IdempotencyKey = "k-taken"
	_, _, err := store.Append(ctx, ev, txn)
	require.ErrorIs(t, err, ErrLedgerConflict)

	_, err = store.GetByIdempotencyKey(ctx, "k-event")
	assert.ErrorIs(t, err, ErrNotFound, "event insert rolled back")
}

func TestEventStore_FailStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(testutil.NewDB(t))

	stale, staleTxn := newEvent("stale", "u1", t0)
	busy, busyTxn := newEvent("busy", "u2", t0)
	for _, pair := range []struct {
		ev  *models.SyncEvent
		txn *models.Transaction
	}{{stale, staleTxn}, {busy, busyTxn}} {
		_, _, err := store.Append(ctx, pair.ev, pair.txn)
		require.NoError(t, err)
	}
	_, err := store.MarkProcessing(ctx, stale.ID, t0)
	require.NoError(t, err)
	_, err = store.MarkProcessing(ctx, busy.ID, t0.Add(20*time.Minute))
	require.NoError(t, err)

	n, err := store.FailStaleProcessing(ctx, t0.Add(15*time.Minute), "lease expired", t0.Add(25*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, got.Status)
	assert.Equal(t, 1, got.Retries)

	got, err = store.GetByID(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusProcessing, got.Status)
}
