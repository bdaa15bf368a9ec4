// services/event_factory.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"platform-sync/models"
	"platform-sync/repository"
)

// EventRequest describes one platform-local mutation worth propagating.
type EventRequest struct {
	UserID   string
	Source   models.Platform
	Payload  models.Payload
	EntityID string // optional; a timestamped fallback is used when empty
}

// EventFactory writes SyncEvents and their ledger rows under one
// idempotency key.
type EventFactory struct {
	events *repository.EventStore
	clock  func() time.Time
	log    *logrus.Entry
}

func NewEventFactory(events *repository.EventStore, log *logrus.Entry) *EventFactory {
	return &EventFactory{
		events: events,
		clock:  func() time.Time { return time.Now().UTC() },
		log:    log.WithField("component", "event_factory"),
	}
}

// WithClock overrides the time source.
func (f *EventFactory) WithClock(clock func() time.Time) *EventFactory {
	f.clock = clock
	return f
}

// IdempotencyKey is a deterministic function of the event's logical cause.
// Source and event type come from fixed sets and user ids never contain an
// underscore, so the entity id is everything between them.
func IdempotencyKey(source models.Platform, eventType models.EventType, entityID, userID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", source, eventType, entityID, userID)
}

// ValidateUserID rejects ids that would make idempotency keys ambiguous.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidUserID)
	case strings.Contains(userID, "_"):
		return fmt.Errorf("%w: %q contains an underscore", ErrInvalidUserID, userID)
	}
	return nil
}

// CreateEvent persists the event and its transaction, or returns the event
// already stored under the same key.
func (f *EventFactory) CreateEvent(ctx context.Context, req EventRequest) (*models.SyncEvent, error) {
	if err := ValidateUserID(req.UserID); err != nil {
		return nil, err
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("invalid source platform %q", req.Source)
	}
	if req.Payload == nil {
		return nil, errors.New("payload is required")
	}
	eventType := req.Payload.EventType()
	raw, err := models.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	now := f.clock()
	entityID := req.EntityID
	if entityID == "" {
		entityID = fmt.Sprintf("%s_%d", eventType, now.Unix())
	}
	key := IdempotencyKey(req.Source, eventType, entityID, req.UserID)

	if existing, err := f.events.GetByIdempotencyKey(ctx, key); err == nil {
		f.log.WithField("key", key).Debug("event already recorded")
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	deltaXP, deltaBalance, reason, metadata := models.LedgerDeltas(req.Payload)
	var meta datatypes.JSON
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode transaction metadata: %w", err)
		}
		meta = datatypes.JSON(b)
	}

	ev := &models.SyncEvent{
		IdempotencyKey: key,
		Source:         req.Source,
		EventType:      eventType,
		UserID:         req.UserID,
		Payload:        raw,
		Status:         models.EventStatusPending,
		CreatedAt:      now,
	}
	txn := &models.Transaction{
		IdempotencyKey: key,
		UserID:         req.UserID,
		Source:         req.Source,
		Type:           models.TransactionTypeFor(eventType),
		DeltaXP:        deltaXP,
		DeltaBalance:   deltaBalance,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      now,
	}

	stored, created, err := f.events.Append(ctx, ev, txn)
	if err != nil {
		return nil, fmt.Errorf("append event %s: %w", key, err)
	}
	if !created && stored.Status == models.EventStatusArchived {
		f.log.WithField("key", key).Debug("event already recorded and archived")
	}
	if created {
		f.log.WithFields(logrus.Fields{
			"event_id": stored.ID,
			"type":     eventType,
			"user_id":  req.UserID,
			"source":   req.Source,
		}).Info("📝 Sync event recorded")
	}
	return stored, nil
}

func (f *EventFactory) CreateXPChangeEvent(ctx context.Context, userID string, source models.Platform, deltaXP int64, reason, entityID string) (*models.SyncEvent, error) {
	return f.CreateEvent(ctx, EventRequest{
		UserID:   userID,
		Source:   source,
		Payload:  models.XPChangePayload{DeltaXP: deltaXP, Reason: reason},
		EntityID: entityID,
	})
}

func (f *EventFactory) CreateBalanceChangeEvent(ctx context.Context, userID string, source models.Platform, deltaBalance int64, reason, entityID string) (*models.SyncEvent, error) {
	return f.CreateEvent(ctx, EventRequest{
		UserID:   userID,
		Source:   source,
		Payload:  models.BalanceChangePayload{DeltaBalance: deltaBalance, Reason: reason},
		EntityID: entityID,
	})
}

func (f *EventFactory) CreateRewardEvent(ctx context.Context, userID string, source models.Platform, deltaXP, deltaBalance int64, reason, entityID string) (*models.SyncEvent, error) {
	return f.CreateEvent(ctx, EventRequest{
		UserID:   userID,
		Source:   source,
		Payload:  models.RewardPayload{DeltaXP: deltaXP, DeltaBalance: deltaBalance, Reason: reason},
		EntityID: entityID,
	})
}

// CreateRankChangeEvent records a rank transition. Chained events carry the
// id of the event that caused them, which keeps replays on the same key;
// handler-originated changes are bucketed per minute.
func (f *EventFactory) CreateRankChangeEvent(ctx context.Context, userID string, source models.Platform, oldRank, newRank int, causeEventID string) (*models.SyncEvent, error) {
	entity := fmt.Sprintf("rank_%d_to_%d", oldRank, newRank)
	if causeEventID != "" {
		entity += "_" + causeEventID
	} else {
		entity += "_" + strconv.FormatInt(f.clock().Truncate(time.Minute).Unix(), 10)
	}
	return f.CreateEvent(ctx, EventRequest{
		UserID:   userID,
		Source:   source,
		Payload:  models.RankChangePayload{OldRank: oldRank, NewRank: newRank, CauseEventID: causeEventID},
		EntityID: entity,
	})
}

func (f *EventFactory) CreateAchievementEvent(ctx context.Context, userID string, source models.Platform, achievementID, title string) (*models.SyncEvent, error) {
	return f.CreateEvent(ctx, EventRequest{
		UserID:   userID,
		Source:   source,
		Payload:  models.AchievementPayload{AchievementID: achievementID, Title: title},
		EntityID: achievementID,
	})
}
