package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"platform-sync/models"
)

type LinkStore struct {
	db *gorm.DB
}

func NewLinkStore(db *gorm.DB) *LinkStore {
	return &LinkStore{db: db}
}

// CreatePending expires the owner's earlier pending requests and inserts link.
func (s *LinkStore) CreatePending(ctx context.Context, link *models.PlatformLink) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PlatformLink{}).
			Where("owner_user_id = ? AND external_platform = ? AND status = ?",
				link.OwnerUserID, link.ExternalPlatform, models.LinkStatusPending).
			Update("status", models.LinkStatusExpired).Error; err != nil {
			return errors.Wrap(err, "expire previous link requests")
		}
		return errors.Wrap(tx.Create(link).Error, "insert link request")
	})
}

// CodeInUse reports whether a pending request already uses code.
func (s *LinkStore) CodeInUse(ctx context.Context, code string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PlatformLink{}).
		Where("verification_code = ? AND status = ?", code, models.LinkStatusPending).
		Count(&n).Error
	return n > 0, errors.Wrap(err, "check link code")
}

func (s *LinkStore) FindPendingByCode(ctx context.Context, code string) (*models.PlatformLink, error) {
	var link models.PlatformLink
	err := s.db.WithContext(ctx).
		Where("verification_code = ? AND status = ?", code, models.LinkStatusPending).
		Order("created_at DESC").
		First(&link).Error
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "find link by code")
	}
	return &link, nil
}

// FindActiveByOwner returns the owner's active link on the linked platform.
func (s *LinkStore) FindActiveByOwner(ctx context.Context, ownerUserID string) (*models.PlatformLink, bool, error) {
	var link models.PlatformLink
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND external_platform = ? AND status = ?",
			ownerUserID, models.LinkedPlatform, models.LinkStatusActive).
		First(&link).Error
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "find active link")
	}
	return &link, true, nil
}

func (s *LinkStore) FindActiveByExternal(ctx context.Context, externalUserID string) (*models.PlatformLink, bool, error) {
	var link models.PlatformLink
	err := s.db.WithContext(ctx).
		Where("external_user_id = ? AND external_platform = ? AND status = ?",
			externalUserID, models.LinkedPlatform, models.LinkStatusActive).
		First(&link).Error
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "find active link by external id")
	}
	return &link, true, nil
}

// Activate verifies a pending link. Any other active link held by the same
// owner or the same external account is revoked in the same transaction.
func (s *LinkStore) Activate(ctx context.Context, link *models.PlatformLink, externalUserID, externalUsername string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PlatformLink{}).
			Where("id <> ? AND external_platform = ? AND status = ? AND (owner_user_id = ? OR external_user_id = ?)",
				link.ID, link.ExternalPlatform, models.LinkStatusActive, link.OwnerUserID, externalUserID).
			Updates(map[string]any{"status": models.LinkStatusRevoked, "revoked_at": at}).Error; err != nil {
			return errors.Wrap(err, "revoke superseded links")
		}

		updates := map[string]any{
			"status":           models.LinkStatusActive,
			"external_user_id": externalUserID,
			"verified_at":      at,
		}
		if externalUsername != "" {
			updates["external_username"] = externalUsername
		}
		res := tx.Model(&models.PlatformLink{}).
			Where("id = ? AND status = ?", link.ID, models.LinkStatusPending).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrap(res.Error, "activate link")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		link.Status = models.LinkStatusActive
		link.ExternalUserID = &externalUserID
		link.VerifiedAt = &at
		if externalUsername != "" {
			link.ExternalUsername = &externalUsername
		}
		return nil
	})
}

func (s *LinkStore) MarkExpired(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.PlatformLink{}).
		Where("id = ? AND status = ?", id, models.LinkStatusPending).
		Update("status", models.LinkStatusExpired).Error
	return errors.Wrap(err, "expire link")
}

// RevokeActive revokes the owner's active link and reports whether one existed.
func (s *LinkStore) RevokeActive(ctx context.Context, ownerUserID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PlatformLink{}).
		Where("owner_user_id = ? AND external_platform = ? AND status = ?",
			ownerUserID, models.LinkedPlatform, models.LinkStatusActive).
		Updates(map[string]any{"status": models.LinkStatusRevoked, "revoked_at": at})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "revoke link")
	}
	return res.RowsAffected > 0, nil
}

// ExpirePendingBefore expires pending requests whose deadline passed.
func (s *LinkStore) ExpirePendingBefore(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.PlatformLink{}).
		Where("status = ? AND expires_at <= ?", models.LinkStatusPending, now).
		Update("status", models.LinkStatusExpired)
	return res.RowsAffected, errors.Wrap(res.Error, "expire link codes")
}

func (s *LinkStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PlatformLink{}).
		Where("status = ?", models.LinkStatusActive).
		Count(&n).Error
	return n, errors.Wrap(err, "count active links")
}
