package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-sync/models"
)

type RoleGrantStore struct {
	db *gorm.DB
}

func NewRoleGrantStore(db *gorm.DB) *RoleGrantStore {
	return &RoleGrantStore{db: db}
}

// GetOrCreate returns the grant for (owner, role, reason type, reason id),
// inserting g when none exists. created reports whether g was inserted.
func (s *RoleGrantStore) GetOrCreate(ctx context.Context, g *models.RoleGrant) (*models.RoleGrant, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "owner_user_id"}, {Name: "role_name"}, {Name: "reason_type"}, {Name: "reason_id"},
		},
		DoNothing: true,
	}).Create(g)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "insert role grant")
	}
	if res.RowsAffected == 1 {
		return g, true, nil
	}

	var existing models.RoleGrant
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND role_name = ? AND reason_type = ? AND reason_id = ?",
			g.OwnerUserID, g.RoleName, g.ReasonType, g.ReasonID).
		First(&existing).Error
	if err != nil {
		return nil, false, errors.Wrap(err, "load role grant")
	}
	return &existing, false, nil
}

func (s *RoleGrantStore) GetByID(ctx context.Context, id string) (*models.RoleGrant, error) {
	var g models.RoleGrant
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get role grant %s", id)
	}
	return &g, nil
}

func (s *RoleGrantStore) MarkGranted(ctx context.Context, id, roleID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.RoleGrant{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_granted":    true,
			"role_id":       roleID,
			"granted_at":    at,
			"error_message": nil,
		}).Error
	return errors.Wrapf(err, "mark role grant %s granted", id)
}

// MarkFailed records a retryable failure.
func (s *RoleGrantStore) MarkFailed(ctx context.Context, id, message string) error {
	err := s.db.WithContext(ctx).Model(&models.RoleGrant{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"error_message": message,
			"retries":       gorm.Expr("retries + 1"),
		}).Error
	return errors.Wrapf(err, "mark role grant %s failed", id)
}

// MarkPermanentlyFailed exhausts the retry budget so sweeps skip the grant.
func (s *RoleGrantStore) MarkPermanentlyFailed(ctx context.Context, id, message string, maxRetries int) error {
	err := s.db.WithContext(ctx).Model(&models.RoleGrant{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"error_message": message,
			"retries":       maxRetries,
		}).Error
	return errors.Wrapf(err, "mark role grant %s permanently failed", id)
}

// ListPending returns ungranted grants with retries left, oldest first.
func (s *RoleGrantStore) ListPending(ctx context.Context, maxRetries, limit int) ([]models.RoleGrant, error) {
	var grants []models.RoleGrant
	err := s.db.WithContext(ctx).
		Where("is_granted = ? AND retries < ?", false, maxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&grants).Error
	return grants, errors.Wrap(err, "list pending role grants")
}

func (s *RoleGrantStore) ListByOwner(ctx context.Context, ownerUserID string) ([]models.RoleGrant, error) {
	var grants []models.RoleGrant
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at ASC").
		Find(&grants).Error
	return grants, errors.Wrap(err, "list role grants")
}
