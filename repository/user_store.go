package repository

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-sync/models"
)

// PlatformUserStore is the gorm-backed local user store of one platform.
// Deltas are applied with single-statement upserts so concurrent writers
// never lose updates.
type PlatformUserStore struct {
	db       *gorm.DB
	platform models.Platform
}

func NewPlatformUserStore(db *gorm.DB, platform models.Platform) *PlatformUserStore {
	return &PlatformUserStore{db: db, platform: platform}
}

func (s *PlatformUserStore) Platform() models.Platform { return s.platform }

func (s *PlatformUserStore) GetByID(ctx context.Context, userID string) (*models.PlatformUser, error) {
	var u models.PlatformUser
	err := s.db.WithContext(ctx).
		Where("platform = ? AND local_user_id = ?", s.platform, userID).
		First(&u).Error
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get %s user %s", s.platform, userID)
	}
	return &u, nil
}

func (s *PlatformUserStore) UpdateXP(ctx context.Context, userID string, delta int64) error {
	return s.upsert(ctx, userID, models.PlatformUser{XP: delta}, map[string]any{
		"xp": gorm.Expr("platform_users.xp + ?", delta),
	})
}

func (s *PlatformUserStore) UpdateCoins(ctx context.Context, userID string, delta int64) error {
	return s.upsert(ctx, userID, models.PlatformUser{Coins: delta}, map[string]any{
		"coins": gorm.Expr("platform_users.coins + ?", delta),
	})
}

func (s *PlatformUserStore) UpdateRank(ctx context.Context, userID string, rank int) error {
	return s.upsert(ctx, userID, models.PlatformUser{RankID: rank}, map[string]any{
		"rank_id": rank,
	})
}

func (s *PlatformUserStore) upsert(ctx context.Context, userID string, seed models.PlatformUser, set map[string]any) error {
	seed.Platform = s.platform
	seed.LocalUserID = userID
	if seed.RankID == 0 {
		seed.RankID = models.RankForXP(seed.XP)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "local_user_id"}},
		DoUpdates: clause.Assignments(set),
	}).Create(&seed).Error
	return errors.Wrapf(err, "update %s user %s", s.platform, userID)
}
