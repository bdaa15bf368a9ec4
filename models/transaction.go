package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionTypeXP          TransactionType = "xp"
	TransactionTypeBalance     TransactionType = "balance"
	TransactionTypeAchievement TransactionType = "achievement"
	TransactionTypeReward      TransactionType = "reward"
	TransactionTypeRank        TransactionType = "rank"
)

// TransactionTypeFor maps an event type onto its ledger category.
func TransactionTypeFor(t EventType) TransactionType {
	switch t {
	case EventTypeXPChange:
		return TransactionTypeXP
	case EventTypeBalanceChange:
		return TransactionTypeBalance
	case EventTypeAchievementUnlock:
		return TransactionTypeAchievement
	case EventTypeRewardGrant:
		return TransactionTypeReward
	default:
		return TransactionTypeRank
	}
}

// Transaction is the append-only audit row written next to every SyncEvent.
// Rows are never updated after insert.
type Transaction struct {
	ID             string          `gorm:"primaryKey;type:uuid" json:"id"`
	IdempotencyKey string          `gorm:"uniqueIndex;size:255;not null" json:"idempotency_key"`
	EventID        string          `gorm:"size:36;index" json:"event_id"`
	UserID         string          `gorm:"size:64;not null;index" json:"user_id"`
	Source         Platform        `gorm:"size:20;not null" json:"source"`
	Type           TransactionType `gorm:"size:20;not null" json:"type"`
	DeltaXP        int64           `gorm:"not null" json:"delta_xp"`
	DeltaBalance   int64           `gorm:"not null" json:"delta_balance"`
	Reason         string          `gorm:"size:100" json:"reason"`
	Metadata       datatypes.JSON  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}
