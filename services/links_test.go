package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-sync/models"
)

func TestCreateLinkRequestIssuesCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.linkService()

	link, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, link.VerificationCode, 6)
	assert.Equal(t, models.LinkStatusPending, link.Status)
	assert.Equal(t, models.PlatformDiscord, link.ExternalPlatform)
	assert.True(t, link.ExpiresAt.Equal(t0.Add(15*time.Minute)))

	next, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)

	assert.NotEqual(t, link.VerificationCode, next.VerificationCode)

	_, err = svc.VerifyLink(ctx, link.VerificationCode, "d1", "alice")
	assert.ErrorIs(t, err, ErrLinkCodeInvalid, "superseded codes are expired")
}

func TestCreateLinkRequestRetriesCollisions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.linkService()

	codes := []string{"111111", "111111", "222222"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	first, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)
	second, err := svc.CreateLinkRequest(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "111111", first.VerificationCode)
	assert.Equal(t, "222222", second.VerificationCode)

	svc.newCode = func() (string, error) { return "222222", nil }
	_, err = svc.CreateLinkRequest(ctx, "u3")
	assert.Error(t, err)
}

func TestVerifyLinkActivates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.linkService()

	req, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)
	link, err := svc.VerifyLink(ctx, req.VerificationCode, "d1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", link.OwnerUserID)

	active, err := svc.GetActiveLink(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "d1", *active.ExternalUserID)
	assert.Equal(t, "alice", *active.ExternalUsername)

	byExt, err := svc.GetActiveLinkByExternal(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, byExt)
	assert.Equal(t, active.ID, byExt.ID)

	_, err = svc.VerifyLink(ctx, req.VerificationCode, "d2", "")
	assert.ErrorIs(t, err, ErrLinkCodeInvalid)
}

func TestVerifyLinkExpiredCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.linkService()

	req, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)
	h.clock.Advance(16 * time.Minute)

	_, err = svc.VerifyLink(ctx, req.VerificationCode, "d1", "")
	assert.ErrorIs(t, err, ErrLinkCodeExpired)

	_, err = svc.VerifyLink(ctx, req.VerificationCode, "d1", "")
	assert.ErrorIs(t, err, ErrLinkCodeInvalid)

	active, err := svc.GetActiveLink(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRelinkReplacesPreviousLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.link(t, "u1", "d1")
	h.link(t, "u1", "d2")
	h.link(t, "u9", "d2")

	svc := h.linkService()
	active, err := svc.GetActiveLink(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active, "d2 moved to u9")

	active, err = svc.GetActiveLink(ctx, "u9")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "d2", *active.ExternalUserID)

	n, err := h.links.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRevokeLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.link(t, "u1", "d1")
	svc := h.linkService()

	revoked, err := svc.RevokeLink(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = svc.RevokeLink(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, revoked)

	logs, err := h.audit.ListByOwner(ctx, "u1", 10)
	require.NoError(t, err)
	var actions []models.SyncAction
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []models.SyncAction{models.SyncActionLinkCreated, models.SyncActionLinkRevoked}, actions)
}

func TestExpireOldCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.linkService()

	_, err := svc.CreateLinkRequest(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.CreateLinkRequest(ctx, "u2")
	require.NoError(t, err)

	n, err := svc.ExpireOldCodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour)
	n, err = svc.ExpireOldCodes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
