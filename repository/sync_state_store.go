package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"platform-sync/models"
)

type SyncStateStore struct {
	db *gorm.DB
}

func NewSyncStateStore(db *gorm.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, userID string) (*models.SyncState, error) {
	var st models.SyncState
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get sync state %s", userID)
	}
	return &st, nil
}

var observedColumns = []string{
	"last_platform_a_xp", "last_platform_a_balance", "last_platform_a_rank",
	"last_platform_b_xp", "last_platform_b_balance", "last_platform_b_rank",
	"updated_at",
}

// SaveObserved upserts the per-platform values of st, leaving the reconcile
// bookkeeping of an existing row untouched.
func (s *SyncStateStore) SaveObserved(ctx context.Context, st *models.SyncState) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(observedColumns),
	}).Create(st).Error
	return errors.Wrapf(err, "save sync state %s", st.UserID)
}

// SaveReconciled upserts observed values together with last_reconcile_at.
func (s *SyncStateStore) SaveReconciled(ctx context.Context, st *models.SyncState, at time.Time) error {
	st.LastReconcileAt = &at
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(append([]string{"last_reconcile_at"}, observedColumns...)),
	}).Create(st).Error
	return errors.Wrapf(err, "save reconciled state %s", st.UserID)
}

// RecordFailure bumps reconcile_errors and last_reconcile_at, creating the
// row when the user has never been observed.
func (s *SyncStateStore) RecordFailure(ctx context.Context, userID string, at time.Time) error {
	st := models.SyncState{UserID: userID, LastReconcileAt: &at, ReconcileErrors: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"reconcile_errors":  gorm.Expr("sync_state.reconcile_errors + 1"),
			"last_reconcile_at": at,
		}),
	}).Create(&st).Error
	return errors.Wrapf(err, "record reconcile failure %s", userID)
}

// TouchReconcile sets last_reconcile_at without other changes.
func (s *SyncStateStore) TouchReconcile(ctx context.Context, userID string, at time.Time) error {
	st := models.SyncState{UserID: userID, LastReconcileAt: &at}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_reconcile_at": at}),
	}).Create(&st).Error
	return errors.Wrapf(err, "touch reconcile %s", userID)
}

// ListDueForReconcile returns linked users whose state is missing or was last
// reconciled before cutoff, least recently reconciled first.
func (s *SyncStateStore) ListDueForReconcile(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("platform_links AS pl").
		Select("pl.owner_user_id").
		Joins("LEFT JOIN sync_state AS ss ON ss.user_id = pl.owner_user_id").
		Where("pl.status = ?", models.LinkStatusActive).
		Where("ss.user_id IS NULL OR ss.last_reconcile_at IS NULL OR ss.last_reconcile_at < ?", cutoff).
		Order("ss.last_reconcile_at ASC NULLS FIRST").
		Order("pl.owner_user_id ASC").
		Limit(limit).
		Pluck("pl.owner_user_id", &ids).Error
	return ids, errors.Wrap(err, "list users due for reconcile")
}
