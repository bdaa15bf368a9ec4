package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRankForXP(t *testing.T) {
	tests := []struct {
		xp   int64
		want int
	}{
		{0, 1},
		{499, 1},
		{500, 2},
		{1249, 2},
		{1250, 3},
		{52249, 19},
		{52250, 20},
		{1_000_000, 20},
		{-10, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RankForXP(tt.xp), "xp=%d", tt.xp)
	}
}

func TestPlatformOpposite(t *testing.T) {
	assert.Equal(t, PlatformDiscord, PlatformTelegram.Opposite())
	assert.Equal(t, PlatformTelegram, PlatformDiscord.Opposite())
	assert.False(t, Platform("slack").Valid())
}

func TestSyncStateDiffs(t *testing.T) {
	s := SyncState{}
	s.Observe(
		PlatformUser{XP: 150, Coins: 300, RankID: 2},
		PlatformUser{XP: 100, Coins: 300, RankID: 1},
	)
	assert.True(t, s.HasXPDiff())
	assert.Equal(t, int64(50), s.XPDiff())
	assert.False(t, s.HasBalanceDiff())
	assert.True(t, s.HasRankDiff())
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload[XPChangePayload](datatypes.JSON(`{"delta_xp":50,"reason":"game"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.DeltaXP)
	assert.Equal(t, "game", p.Reason)
}

func TestDecodePayload_RejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload[XPChangePayload](datatypes.JSON(`{"delta_xp":50,"delta_coins":3}`))
	var perr *PayloadError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, EventTypeXPChange, perr.EventType)
}

func TestDecodePayload_RejectsInvalid(t *testing.T) {
	_, err := DecodePayload[RankChangePayload](datatypes.JSON(`{"old_rank":3,"new_rank":3}`))
	var perr *PayloadError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, EventTypeRankChange, perr.EventType)
}

func TestEncodePayload_Validates(t *testing.T) {
	_, err := EncodePayload(AchievementPayload{})
	require.Error(t, err)

	raw, err := EncodePayload(BalanceChangePayload{DeltaBalance: -20, Reason: "shop"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"delta_balance":-20,"reason":"shop"}`, string(raw))
}

func TestSyncEventCanRetry(t *testing.T) {
	e := SyncEvent{Status: EventStatusFailed, Retries: 2}
	assert.True(t, e.CanRetry())
	e.Retries = MaxEventRetries
	assert.False(t, e.CanRetry())
	e = SyncEvent{Status: EventStatusCompleted}
	assert.False(t, e.CanRetry())
}
