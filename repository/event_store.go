package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-sync/models"
)

// EventStore persists SyncEvents and, through Append, their paired ledger rows.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) GetByID(ctx context.Context, id string) (*models.SyncEvent, error) {
	var ev models.SyncEvent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get event %s", id)
	}
	return &ev, nil
}

func (s *EventStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.SyncEvent, error) {
	var ev models.SyncEvent
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&ev).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get event by key %s", key)
	}
	return &ev, nil
}

// Append inserts ev and txn atomically. The ledger outlives cleanup, so a key
// already present there counts as recorded even when its event was pruned:
// the stored event, or one rebuilt from the ledger row, is returned with
// created=false and nothing is written.
func (s *EventStore) Append(ctx context.Context, ev *models.SyncEvent, txn *models.Transaction) (stored *models.SyncEvent, created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recorded []models.Transaction
		if err := tx.Where("idempotency_key = ?", ev.IdempotencyKey).Limit(1).Find(&recorded).Error; err != nil {
			return errors.Wrap(err, "check ledger")
		}
		if len(recorded) > 0 {
			var existing []models.SyncEvent
			if err := tx.Where("idempotency_key = ?", ev.IdempotencyKey).Limit(1).Find(&existing).Error; err != nil {
				return errors.Wrap(err, "load existing sync event")
			}
			if len(existing) > 0 {
				stored = &existing[0]
			} else {
				stored = archivedEvent(ev, &recorded[0])
			}
			return nil
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(ev)
		if res.Error != nil {
			return errors.Wrap(res.Error, "insert sync event")
		}
		if res.RowsAffected == 0 {
			var existing models.SyncEvent
			if err := tx.Where("idempotency_key = ?", ev.IdempotencyKey).First(&existing).Error; err != nil {
				return errors.Wrap(err, "load existing sync event")
			}
			stored = &existing
			return nil
		}

		txn.EventID = ev.ID
		res = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(txn)
		if res.Error != nil {
			return errors.Wrap(res.Error, "insert transaction")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrLedgerConflict, "key %s", ev.IdempotencyKey)
		}
		stored, created = ev, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// archivedEvent rebuilds what is known of a pruned event from its ledger row.
func archivedEvent(req *models.SyncEvent, txn *models.Transaction) *models.SyncEvent {
	return &models.SyncEvent{
		ID:             txn.EventID,
		IdempotencyKey: txn.IdempotencyKey,
		Source:         txn.Source,
		EventType:      req.EventType,
		UserID:         txn.UserID,
		Payload:        req.Payload,
		Status:         models.EventStatusArchived,
		CreatedAt:      txn.CreatedAt,
	}
}

// ListPending returns up to limit pending events, oldest first.
func (s *EventStore) ListPending(ctx context.Context, limit int) ([]models.SyncEvent, error) {
	var events []models.SyncEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", models.EventStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, errors.Wrap(err, "list pending events")
}

// MarkProcessing claims a pending event. It reports false when the event was
// not pending anymore.
func (s *EventStore) MarkProcessing(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusPending).
		Updates(map[string]any{"status": models.EventStatusProcessing, "claimed_at": at})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "mark event %s processing", id)
	}
	return res.RowsAffected == 1, nil
}

func (s *EventStore) MarkCompleted(ctx context.Context, id string, processedBy models.Platform, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.EventStatusCompleted,
			"processed_by":  processedBy,
			"processed_at":  at,
			"error_message": nil,
		}).Error
	return errors.Wrapf(err, "mark event %s completed", id)
}

func (s *EventStore) MarkFailed(ctx context.Context, id string, message string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.EventStatusFailed,
			"error_message": message,
			"retries":       gorm.Expr("retries + 1"),
			"processed_at":  at,
		}).Error
	return errors.Wrapf(err, "mark event %s failed", id)
}

// Retry moves one failed event back to pending if it has retries left.
func (s *EventStore) Retry(ctx context.Context, id string, maxRetries int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("id = ? AND status = ? AND retries < ?", id, models.EventStatusFailed, maxRetries).
		Updates(map[string]any{"status": models.EventStatusPending, "error_message": nil})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "retry event %s", id)
	}
	return res.RowsAffected == 1, nil
}

// FailStaleProcessing marks events claimed before cutoff and still processing
// as failed, counting the attempt like any other failure.
func (s *EventStore) FailStaleProcessing(ctx context.Context, cutoff time.Time, message string, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", models.EventStatusProcessing, cutoff).
		Updates(map[string]any{
			"status":        models.EventStatusFailed,
			"error_message": message,
			"retries":       gorm.Expr("retries + 1"),
			"processed_at":  at,
		})
	return res.RowsAffected, errors.Wrap(res.Error, "fail stale processing events")
}

// RequeueFailed moves every failed event with retries left back to pending.
func (s *EventStore) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("status = ? AND retries < ?", models.EventStatusFailed, maxRetries).
		Updates(map[string]any{"status": models.EventStatusPending, "error_message": nil})
	return res.RowsAffected, errors.Wrap(res.Error, "requeue failed events")
}

func (s *EventStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncEvent, error) {
	var events []models.SyncEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, errors.Wrap(err, "list user events")
}

// CountByStatus returns the number of events per status.
func (s *EventStore) CountByStatus(ctx context.Context) (map[models.EventStatus]int64, error) {
	var rows []struct {
		Status models.EventStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.SyncEvent{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count events by status")
	}
	out := make(map[models.EventStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// ListExpired returns completed events created before completedBefore and
// exhausted failed events created before failedBefore, oldest first.
func (s *EventStore) ListExpired(ctx context.Context, completedBefore, failedBefore time.Time, maxRetries, limit int) ([]models.SyncEvent, error) {
	var events []models.SyncEvent
	err := s.db.WithContext(ctx).
		Where("(status = ? AND created_at < ?) OR (status = ? AND retries >= ? AND created_at < ?)",
			models.EventStatusCompleted, completedBefore,
			models.EventStatusFailed, maxRetries, failedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, errors.Wrap(err, "list expired events")
}

func (s *EventStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.SyncEvent{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete events")
}
