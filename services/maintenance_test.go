package services

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"platform-sync/models"
	"platform-sync/testutil"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memUploader) PutObject(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

func TestEncodeEventsJSONL(t *testing.T) {
	discord := models.PlatformDiscord
	processed := t0.Add(5 * time.Second)
	msg := "no user store for platform telegram"
	events := []models.SyncEvent{
		{
			ID:             "e1",
			IdempotencyKey: "telegram_xp_change_q1_u1",
			Source:         models.PlatformTelegram,
			EventType:      models.EventTypeXPChange,
			UserID:         "u1",
			Payload:        datatypes.JSON(`{"delta_xp":50,"reason":"quest"}`),
			Status:         models.EventStatusCompleted,
			ProcessedBy:    &discord,
			CreatedAt:      t0,
			ProcessedAt:    &processed,
		},
		{
			ID:             "e2",
			IdempotencyKey: "discord_balance_change_b1_u2",
			Source:         models.PlatformDiscord,
			EventType:      models.EventTypeBalanceChange,
			UserID:         "u2",
			Payload:        datatypes.JSON(`{"delta_balance":-5,"reason":"shop"}`),
			Status:         models.EventStatusFailed,
			Retries:        3,
			ErrorMessage:   &msg,
			CreatedAt:      t0.Add(time.Minute),
		},
	}

	out, err := EncodeEventsJSONL(events)
	require.NoError(t, err)
	goldie.New(t).Assert(t, "archive_jsonl", out)
}

func TestJanitorCleanup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.link(t, "u1", "d1")
	links := h.linkService()
	p := h.processor()

	_, err := links.CreateLinkRequest(ctx, "u2")
	require.NoError(t, err)

	_, err = h.factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 5, "quest", "q1")
	require.NoError(t, err)
	_, err = p.ProcessPending(ctx, 10)
	require.NoError(t, err)

	exhausted, err := h.factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 5, "quest", "q2")
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.SyncEvent{}).Where("id = ?", exhausted.ID).
		Updates(map[string]any{"status": models.EventStatusFailed, "retries": models.MaxEventRetries}).Error)

	retryable, err := h.factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 5, "quest", "q3")
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.SyncEvent{}).Where("id = ?", retryable.ID).
		Updates(map[string]any{"status": models.EventStatusFailed, "retries": 1}).Error)

	uploader := &memUploader{}
	j := NewJanitor(h.events, links, uploader, "archive", 30*24*time.Hour, 7*24*time.Hour, testutil.Logger()).
		WithClock(h.clock.Now)

	h.clock.Advance(8 * 24 * time.Hour)
	stats, err := j.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ExpiredCodes)
	assert.EqualValues(t, 1, stats.DeletedEvents, "only the exhausted failure is past retention")
	assert.Equal(t, 1, stats.Archived)

	h.clock.Advance(30 * 24 * time.Hour)
	stats, err = j.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.DeletedEvents)

	es, err := p.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, es.Total)
	assert.EqualValues(t, 1, es.Failed)

	require.Len(t, uploader.objects, 2)
	for key, body := range uploader.objects {
		assert.True(t, strings.HasPrefix(key, "archive/2026/"), key)
		assert.True(t, strings.HasSuffix(key, ".jsonl"), key)
		assert.Equal(t, 1, bytes.Count(body, []byte("\n")))
	}
}

func TestJanitorWithoutUploaderOnlyDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.factory.CreateXPChangeEvent(ctx, "u9", models.PlatformTelegram, 5, "quest", "q1")
	require.NoError(t, err)
	_, err = h.processor().ProcessPending(ctx, 10)
	require.NoError(t, err)

	h.clock.Advance(31 * 24 * time.Hour)
	stats, err := NewJanitor(h.events, h.linkService(), nil, "", 0, 0, testutil.Logger()).
		WithClock(h.clock.Now).Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Archived)
	assert.EqualValues(t, 1, stats.DeletedEvents)
}

func TestReplayAfterCleanupDoesNotReapply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.link(t, "u1", "d1")
	p := h.processor()

	first, err := h.factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 50, "quest", "quest_1")
	require.NoError(t, err)
	_, err = p.ProcessPending(ctx, 10)
	require.NoError(t, err)

	h.clock.Advance(31 * 24 * time.Hour)
	stats, err := NewJanitor(h.events, h.linkService(), nil, "", 0, 0, testutil.Logger()).
		WithClock(h.clock.Now).Cleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.DeletedEvents)

	replay, err := h.factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 50, "quest", "quest_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, models.EventStatusArchived, replay.Status)

	ps, err := p.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, ps.Fetched)

	assert.EqualValues(t, 50, h.user(t, h.ds, "d1").XP)
	n, err := h.ledger.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
