package repository

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"platform-sync/models"
)

type SyncLogStore struct {
	db *gorm.DB
}

func NewSyncLogStore(db *gorm.DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

// Record appends an audit entry. details may be nil.
func (s *SyncLogStore) Record(ctx context.Context, owner string, external *string, action models.SyncAction, details map[string]any, failure error) error {
	entry := models.SyncLog{
		OwnerUserID:    owner,
		ExternalUserID: external,
		Action:         action,
		Success:        failure == nil,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return errors.Wrap(err, "encode sync log details")
		}
		entry.Details = datatypes.JSON(raw)
	}
	if failure != nil {
		msg := failure.Error()
		entry.ErrorMessage = &msg
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&entry).Error, "insert sync log")
}

func (s *SyncLogStore) ListByOwner(ctx context.Context, owner string, limit int) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", owner).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, errors.Wrap(err, "list sync logs")
}
