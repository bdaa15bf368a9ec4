// services/reconciler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"platform-sync/models"
	"platform-sync/repository"
)

type ReconcileStatus string

const (
	ReconcileNoLink      ReconcileStatus = "no_link"
	ReconcileInitialized ReconcileStatus = "initialized"
	ReconcileCompleted   ReconcileStatus = "completed"
	ReconcileError       ReconcileStatus = "error"
)

// Issue is one field that differed between the platforms.
type Issue struct {
	Field   string `json:"type"`
	Primary int64  `json:"telegram"`
	Linked  int64  `json:"discord"`
	Diff    int64  `json:"diff"`
}

type ReconcileResult struct {
	UserID string          `json:"user_id"`
	Status ReconcileStatus `json:"status"`
	Issues []Issue         `json:"issues"`
	// RankDrift is reported but never corrected.
	RankDrift *Issue `json:"rank_drift,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ReconcileStats struct {
	Status      string `json:"status,omitempty"`
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Initialized int    `json:"initialized"`
	NoLink      int    `json:"no_link"`
	Errors      int    `json:"errors"`
	IssuesFound int    `json:"issues_found"`
}

// Reconciler repairs drift between the platforms. Platform A wins for XP and
// balance; rank is left to re-derive from XP on its own platform.
type Reconciler struct {
	states     *repository.SyncStateStore
	links      *repository.LinkStore
	users      UserStores
	staleAfter time.Duration
	clock      func() time.Time
	log        *logrus.Entry
}

func NewReconciler(states *repository.SyncStateStore, links *repository.LinkStore, users UserStores, staleAfter time.Duration, log *logrus.Entry) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Reconciler{
		states:     states,
		links:      links,
		users:      users,
		staleAfter: staleAfter,
		clock:      func() time.Time { return time.Now().UTC() },
		log:        log.WithField("component", "reconciler"),
	}
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// ReconcileUser compares one user's platforms and copies primary XP and
// balance onto the linked platform when they differ. It never returns an
// error; failures are reported in the result and counted on the state row.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) ReconcileResult {
	log := r.log.WithField("user_id", userID)
	res, err := r.reconcile(ctx, userID, log)
	if err == nil {
		return res
	}

	log.WithError(err).Error("❌ Reconcile failed")
	if ferr := r.states.RecordFailure(ctx, userID, r.clock()); ferr != nil {
		log.WithError(ferr).Error("❌ Failed to record reconcile error")
	}
	return ReconcileResult{UserID: userID, Status: ReconcileError, Error: err.Error()}
}

func (r *Reconciler) reconcile(ctx context.Context, userID string, log *logrus.Entry) (ReconcileResult, error) {
	res := ReconcileResult{UserID: userID, Issues: []Issue{}}
	now := r.clock()

	link, linked, err := r.links.FindActiveByOwner(ctx, userID)
	if err != nil {
		return res, err
	}
	if !linked || link.ExternalUserID == nil {
		res.Status = ReconcileNoLink
		return res, r.states.TouchReconcile(ctx, userID, now)
	}
	externalID := *link.ExternalUserID

	primaryStore, linkedStore := r.users[models.PrimaryPlatform], r.users[models.LinkedPlatform]
	if primaryStore == nil || linkedStore == nil {
		return res, errors.New("user stores not configured")
	}
	primary, err := primaryStore.GetByID(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("load primary user: %w", err)
	}
	linkedUser, err := linkedStore.GetByID(ctx, externalID)
	if errors.Is(err, repository.ErrNotFound) {
		linkedUser = &models.PlatformUser{Platform: models.LinkedPlatform, LocalUserID: externalID}
	} else if err != nil {
		return res, fmt.Errorf("load linked user: %w", err)
	}

	state, err := r.states.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		state = &models.SyncState{UserID: userID}
		state.Observe(*primary, *linkedUser)
		res.Status = ReconcileInitialized
		log.Info("🆕 Sync state initialized")
		return res, r.states.SaveReconciled(ctx, state, now)
	}
	if err != nil {
		return res, err
	}

	state.Observe(*primary, *linkedUser)
	if state.HasXPDiff() {
		diff := state.XPDiff()
		res.Issues = append(res.Issues, Issue{Field: "xp", Primary: state.PrimaryXP, Linked: state.LinkedXP, Diff: diff})
		if err := linkedStore.UpdateXP(ctx, externalID, diff); err != nil {
			return res, fmt.Errorf("correct xp: %w", err)
		}
		state.LinkedXP = state.PrimaryXP
	}
	if state.HasBalanceDiff() {
		diff := state.BalanceDiff()
		res.Issues = append(res.Issues, Issue{Field: "balance", Primary: state.PrimaryBalance, Linked: state.LinkedBalance, Diff: diff})
		if err := linkedStore.UpdateCoins(ctx, externalID, diff); err != nil {
			return res, fmt.Errorf("correct balance: %w", err)
		}
		state.LinkedBalance = state.PrimaryBalance
	}
	if state.HasRankDiff() {
		res.RankDrift = &Issue{
			Field:   "rank",
			Primary: int64(state.PrimaryRank),
			Linked:  int64(state.LinkedRank),
			Diff:    int64(state.RankDiff()),
		}
		log.WithFields(logrus.Fields{"telegram_rank": state.PrimaryRank, "discord_rank": state.LinkedRank}).
			Warn("⚠️ Rank drift detected, left for re-derivation")
	}

	if err := r.states.SaveReconciled(ctx, state, now); err != nil {
		return res, err
	}
	res.Status = ReconcileCompleted
	if len(res.Issues) > 0 {
		log.WithField("issues", len(res.Issues)).Info("🔧 Drift corrected")
	}
	return res, nil
}

// ReconcileAll reconciles up to limit users that are due, oldest first.
// A failing user never stops the batch. Cancelling ctx stops before the
// next user.
func (r *Reconciler) ReconcileAll(ctx context.Context, limit int) (ReconcileStats, error) {
	cutoff := r.clock().Add(-r.staleAfter)
	userIDs, err := r.states.ListDueForReconcile(ctx, cutoff, limit)
	if err != nil {
		return ReconcileStats{}, err
	}
	if len(userIDs) == 0 {
		return ReconcileStats{Status: "no_users"}, nil
	}

	work := context.WithoutCancel(ctx)
	stats := ReconcileStats{Status: "completed"}
	for _, id := range userIDs {
		if ctx.Err() != nil {
			stats.Status = "interrupted"
			break
		}
		res := r.ReconcileUser(work, id)
		stats.Total++
		switch res.Status {
		case ReconcileCompleted:
			stats.Completed++
		case ReconcileInitialized:
			stats.Initialized++
		case ReconcileNoLink:
			stats.NoLink++
		case ReconcileError:
			stats.Errors++
		}
		stats.IssuesFound += len(res.Issues)
	}

	r.log.WithFields(logrus.Fields{
		"total":        stats.Total,
		"completed":    stats.Completed,
		"initialized":  stats.Initialized,
		"errors":       stats.Errors,
		"issues_found": stats.IssuesFound,
	}).Info("🔄 Reconcile sweep finished")
	return stats, nil
}
