package repository

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"platform-sync/models"
)

// Ledger reads the append-only transaction log. Rows are only ever written
// by EventStore.Append.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&txn).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get transaction %s", key)
	}
	return &txn, nil
}

func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, errors.Wrap(err, "list user transactions")
}

// Totals sums every recorded delta for a user.
func (l *Ledger) Totals(ctx context.Context, userID string) (xp, balance int64, err error) {
	var row struct {
		XP      int64
		Balance int64
	}
	err = l.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("COALESCE(SUM(delta_xp), 0) AS xp, COALESCE(SUM(delta_balance), 0) AS balance").
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, errors.Wrap(err, "sum transactions")
	}
	return row.XP, row.Balance, nil
}

func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Transaction{}).Count(&n).Error
	return n, errors.Wrap(err, "count transactions")
}
