// services/event_processor.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"platform-sync/models"
	"platform-sync/repository"
)

// UserStore is the platform-local user record owned by a front-end.
// The engine only ever applies deltas through it.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*models.PlatformUser, error)
	UpdateXP(ctx context.Context, userID string, delta int64) error
	UpdateCoins(ctx context.Context, userID string, delta int64) error
	UpdateRank(ctx context.Context, userID string, rank int) error
}

// UserStores holds one UserStore per platform.
type UserStores map[models.Platform]UserStore

// RoleGranter is satisfied by RoleGrantService.
type RoleGranter interface {
	GrantRole(ctx context.Context, userID, roleName string, reasonType models.RoleReasonType, reasonID string) (bool, error)
}

// RoleRules maps achievements and ranks to external role names.
type RoleRules struct {
	Achievements map[string]string
	Ranks        map[int]string
}

// ParseRankRoles converts string rank keys (as read from config) to ints.
func ParseRankRoles(raw map[string]string) (map[int]string, error) {
	out := make(map[int]string, len(raw))
	for k, v := range raw {
		rank, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("rank role key %q: %w", k, err)
		}
		out[rank] = v
	}
	return out, nil
}

type EventStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

type ProcessStats struct {
	Fetched   int `json:"fetched"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
)

// EventProcessor drains pending SyncEvents and applies their effect on the
// opposite platform.
type EventProcessor struct {
	events     *repository.EventStore
	links      *repository.LinkStore
	states     *repository.SyncStateStore
	factory    *EventFactory
	users      UserStores
	roles      RoleGranter
	rules      RoleRules
	rankFor    func(xp int64) int
	workers    int
	maxRetries int
	stale      time.Duration
	clock      func() time.Time
	log        *logrus.Entry

	draining sync.Mutex
}

type ProcessorOption func(*EventProcessor)

// WithRoleGranter enables role grants triggered by achievements and ranks.
func WithRoleGranter(g RoleGranter, rules RoleRules) ProcessorOption {
	return func(p *EventProcessor) {
		p.roles = g
		p.rules = rules
	}
}

func WithWorkers(n int) ProcessorOption {
	return func(p *EventProcessor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithProcessingTimeout sets how long an event may stay claimed before
// RecoverStale fails it.
func WithProcessingTimeout(d time.Duration) ProcessorOption {
	return func(p *EventProcessor) {
		if d > 0 {
			p.stale = d
		}
	}
}

func WithProcessorClock(clock func() time.Time) ProcessorOption {
	return func(p *EventProcessor) { p.clock = clock }
}

func NewEventProcessor(
	events *repository.EventStore,
	links *repository.LinkStore,
	states *repository.SyncStateStore,
	factory *EventFactory,
	users UserStores,
	log *logrus.Entry,
	opts ...ProcessorOption,
) *EventProcessor {
	p := &EventProcessor{
		events:     events,
		links:      links,
		states:     states,
		factory:    factory,
		users:      users,
		rankFor:    models.RankForXP,
		workers:    1,
		maxRetries: models.MaxEventRetries,
		stale:      15 * time.Minute,
		clock:      func() time.Time { return time.Now().UTC() },
		log:        log.WithField("component", "event_processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEvent runs one event through pending → processing → completed/failed.
// It reports whether the event completed.
func (p *EventProcessor) ProcessEvent(ctx context.Context, ev *models.SyncEvent) bool {
	return p.process(ctx, ev) == outcomeCompleted
}

func (p *EventProcessor) process(ctx context.Context, ev *models.SyncEvent) outcome {
	log := p.log.WithFields(logrus.Fields{"event_id": ev.ID, "type": ev.EventType, "user_id": ev.UserID})

	claimed, err := p.events.MarkProcessing(ctx, ev.ID, p.clock())
	if err != nil {
		log.WithError(err).Error("❌ Failed to claim event")
		return outcomeFailed
	}
	if !claimed {
		log.Debug("event no longer pending, skipping")
		return outcomeSkipped
	}
	ev.Status = models.EventStatusProcessing

	link, linked, err := p.links.FindActiveByOwner(ctx, ev.UserID)
	if err != nil {
		p.fail(ctx, ev, err, log)
		return outcomeFailed
	}
	if !linked || link.ExternalUserID == nil {
		// Nothing to propagate to.
		if err := p.events.MarkCompleted(ctx, ev.ID, ev.Source, p.clock()); err != nil {
			log.WithError(err).Error("❌ Failed to complete unlinked event")
			return outcomeFailed
		}
		log.Debug("user not linked, event completed without propagation")
		return outcomeCompleted
	}

	consumer, err := p.dispatch(ctx, ev, link, log)
	if err != nil {
		p.fail(ctx, ev, err, log)
		return outcomeFailed
	}

	if err := p.events.MarkCompleted(ctx, ev.ID, consumer, p.clock()); err != nil {
		// Left in processing until RecoverStale fails it.
		log.WithError(err).Error("❌ Effect applied but event could not be completed")
		return outcomeFailed
	}
	if err := p.refreshState(ctx, ev.UserID, *link.ExternalUserID); err != nil {
		log.WithError(err).Warn("⚠️ Sync state refresh failed")
	}
	log.WithField("processed_by", consumer).Info("✅ Event processed")
	return outcomeCompleted
}

func (p *EventProcessor) fail(ctx context.Context, ev *models.SyncEvent, cause error, log *logrus.Entry) {
	log.WithError(cause).Warn("⚠️ Event processing failed")
	if err := p.events.MarkFailed(ctx, ev.ID, cause.Error(), p.clock()); err != nil {
		log.WithError(err).Error("❌ Failed to mark event failed")
	}
}

// dispatch applies the event and returns the platform that consumed it.
func (p *EventProcessor) dispatch(ctx context.Context, ev *models.SyncEvent, link *models.PlatformLink, log *logrus.Entry) (models.Platform, error) {
	target := ev.Source.Opposite()
	localID := func(platform models.Platform) string {
		if platform == models.PrimaryPlatform {
			return ev.UserID
		}
		return *link.ExternalUserID
	}
	store, ok := p.users[target]
	if !ok {
		return "", fmt.Errorf("no user store for platform %s", target)
	}

	switch ev.EventType {
	case models.EventTypeXPChange:
		pl, err := models.DecodePayload[models.XPChangePayload](ev.Payload)
		if err != nil {
			return "", err
		}
		if err := store.UpdateXP(ctx, localID(target), pl.DeltaXP); err != nil {
			return "", err
		}
		p.chainRankChange(ctx, ev, target, store, localID(target), pl.DeltaXP, log)
		return target, nil

	case models.EventTypeBalanceChange:
		pl, err := models.DecodePayload[models.BalanceChangePayload](ev.Payload)
		if err != nil {
			return "", err
		}
		return target, store.UpdateCoins(ctx, localID(target), pl.DeltaBalance)

	case models.EventTypeRewardGrant:
		pl, err := models.DecodePayload[models.RewardPayload](ev.Payload)
		if err != nil {
			return "", err
		}
		if pl.DeltaBalance != 0 {
			if err := store.UpdateCoins(ctx, localID(target), pl.DeltaBalance); err != nil {
				return "", err
			}
		}
		if pl.DeltaXP == 0 {
			return target, nil
		}
		if err := store.UpdateXP(ctx, localID(target), pl.DeltaXP); err != nil {
			return "", err
		}
		p.chainRankChange(ctx, ev, target, store, localID(target), pl.DeltaXP, log)
		return target, nil

	case models.EventTypeRankChange:
		pl, err := models.DecodePayload[models.RankChangePayload](ev.Payload)
		if err != nil {
			return "", err
		}
		if ev.Source != models.PrimaryPlatform {
			log.WithField("new_rank", pl.NewRank).Warn("🚫 Rank change from non-authoritative platform dropped")
			return ev.Source, nil
		}
		if err := store.UpdateRank(ctx, localID(target), pl.NewRank); err != nil {
			return "", err
		}
		// A chained change was derived from XP the sync itself applied, so the
		// primary record has not seen the new rank yet.
		if pl.CauseEventID != "" {
			if err := p.alignPrimaryRank(ctx, ev.UserID, pl.NewRank); err != nil {
				return "", err
			}
		}
		if role, ok := p.rules.Ranks[pl.NewRank]; ok {
			if err := p.grant(ctx, ev.UserID, role, models.RoleReasonRank, strconv.Itoa(pl.NewRank)); err != nil {
				return "", err
			}
		}
		return target, nil

	case models.EventTypeAchievementUnlock:
		pl, err := models.DecodePayload[models.AchievementPayload](ev.Payload)
		if err != nil {
			return "", err
		}
		role := pl.RoleName
		if role == "" {
			role = p.rules.Achievements[pl.AchievementID]
		}
		if role != "" {
			if err := p.grant(ctx, ev.UserID, role, models.RoleReasonAchievement, pl.AchievementID); err != nil {
				return "", err
			}
		}
		return target, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEvent, ev.EventType)
}

// chainRankChange records a rank_change when the XP just applied moved the
// target across a rank threshold. Failures are logged only: the delta is
// already applied and failing the event would apply it again on retry.
func (p *EventProcessor) chainRankChange(ctx context.Context, ev *models.SyncEvent, target models.Platform, store UserStore, localID string, delta int64, log *logrus.Entry) {
	u, err := store.GetByID(ctx, localID)
	if err != nil {
		log.WithError(err).Warn("⚠️ Could not read user after XP update")
		return
	}
	derived := p.rankFor(u.XP)
	if p.rankFor(u.XP-delta) == derived || derived == u.RankID {
		return
	}
	chained, err := p.factory.CreateRankChangeEvent(ctx, ev.UserID, target, u.RankID, derived, ev.ID)
	if err != nil {
		log.WithError(err).Error("❌ Failed to chain rank change")
		return
	}
	log.WithFields(logrus.Fields{"old_rank": u.RankID, "new_rank": derived, "chained_event_id": chained.ID}).
		Info("🏅 Rank threshold crossed, rank change queued")
}

func (p *EventProcessor) alignPrimaryRank(ctx context.Context, userID string, rank int) error {
	store, ok := p.users[models.PrimaryPlatform]
	if !ok {
		return fmt.Errorf("no user store for platform %s", models.PrimaryPlatform)
	}
	u, err := store.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.RankID == rank {
		return nil
	}
	return store.UpdateRank(ctx, userID, rank)
}

func (p *EventProcessor) grant(ctx context.Context, userID, role string, reason models.RoleReasonType, reasonID string) error {
	if p.roles == nil {
		return nil
	}
	_, err := p.roles.GrantRole(ctx, userID, role, reason, reasonID)
	return err
}

func (p *EventProcessor) localUser(ctx context.Context, platform models.Platform, id string) (models.PlatformUser, error) {
	store, ok := p.users[platform]
	if !ok {
		return models.PlatformUser{}, fmt.Errorf("no user store for platform %s", platform)
	}
	u, err := store.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return models.PlatformUser{Platform: platform, LocalUserID: id, RankID: models.RankForXP(0)}, nil
	}
	if err != nil {
		return models.PlatformUser{}, err
	}
	return *u, nil
}

func (p *EventProcessor) refreshState(ctx context.Context, userID, externalID string) error {
	primary, err := p.localUser(ctx, models.PrimaryPlatform, userID)
	if err != nil {
		return err
	}
	linked, err := p.localUser(ctx, models.LinkedPlatform, externalID)
	if err != nil {
		return err
	}
	st := &models.SyncState{UserID: userID}
	st.Observe(primary, linked)
	return p.states.SaveObserved(ctx, st)
}

// ProcessPending drains up to limit pending events, oldest first. Events of
// one user run sequentially on a single worker; distinct users fan out up to
// the configured worker count. Cancelling ctx stops new events from starting
// while in-flight ones finish. Only one drain runs per process; a concurrent
// call returns ErrDrainInProgress.
func (p *EventProcessor) ProcessPending(ctx context.Context, limit int) (ProcessStats, error) {
	if !p.draining.TryLock() {
		return ProcessStats{}, ErrDrainInProgress
	}
	defer p.draining.Unlock()

	events, err := p.events.ListPending(ctx, limit)
	if err != nil {
		return ProcessStats{}, err
	}
	stats := ProcessStats{Fetched: len(events)}
	if len(events) == 0 {
		return stats, nil
	}

	var order []string
	byUser := make(map[string][]models.SyncEvent)
	for _, ev := range events {
		if _, seen := byUser[ev.UserID]; !seen {
			order = append(order, ev.UserID)
		}
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}

	work := context.WithoutCancel(ctx)
	var completed, failed, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, userID := range order {
		batch := byUser[userID]
		g.Go(func() error {
			for i := range batch {
				if ctx.Err() != nil {
					return nil
				}
				switch p.process(work, &batch[i]) {
				case outcomeCompleted:
					completed.Add(1)
				case outcomeFailed:
					failed.Add(1)
				default:
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Completed = int(completed.Load())
	stats.Failed = int(failed.Load())
	stats.Skipped = int(skipped.Load())
	return stats, nil
}

// RetryEvent resets one failed event to pending while it has retries left.
func (p *EventProcessor) RetryEvent(ctx context.Context, id string) (bool, error) {
	return p.events.Retry(ctx, id, p.maxRetries)
}

// RecoverStale fails events that stayed in processing longer than the
// processing timeout, so they show up in stats and go through the normal
// retry path. A crash after the effect was applied can therefore apply it
// twice; reconciliation repairs XP and balance.
func (p *EventProcessor) RecoverStale(ctx context.Context) (int64, error) {
	now := p.clock()
	return p.events.FailStaleProcessing(ctx, now.Add(-p.stale), "processing timed out", now)
}

// RequeueFailed resets every failed event with retries left.
func (p *EventProcessor) RequeueFailed(ctx context.Context) (int64, error) {
	return p.events.RequeueFailed(ctx, p.maxRetries)
}

func (p *EventProcessor) GetStats(ctx context.Context) (EventStats, error) {
	counts, err := p.events.CountByStatus(ctx)
	if err != nil {
		return EventStats{}, err
	}
	s := EventStats{
		Pending:    counts[models.EventStatusPending],
		Processing: counts[models.EventStatusProcessing],
		Completed:  counts[models.EventStatusCompleted],
		Failed:     counts[models.EventStatusFailed],
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed
	return s, nil
}
