package models

import "time"

// SyncState holds the last values observed on each platform for one user.
// Diffs are derived from these columns on demand and never stored.
type SyncState struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	UserID          string     `gorm:"uniqueIndex;size:64;not null" json:"user_id"`
	PrimaryXP       int64      `gorm:"column:last_platform_a_xp;not null" json:"last_platform_a_xp"`
	PrimaryBalance  int64      `gorm:"column:last_platform_a_balance;not null" json:"last_platform_a_balance"`
	PrimaryRank     int        `gorm:"column:last_platform_a_rank;not null" json:"last_platform_a_rank"`
	LinkedXP        int64      `gorm:"column:last_platform_b_xp;not null" json:"last_platform_b_xp"`
	LinkedBalance   int64      `gorm:"column:last_platform_b_balance;not null" json:"last_platform_b_balance"`
	LinkedRank      int        `gorm:"column:last_platform_b_rank;not null" json:"last_platform_b_rank"`
	LastReconcileAt *time.Time `gorm:"index" json:"last_reconcile_at,omitempty"`
	ReconcileErrors int        `gorm:"not null" json:"reconcile_errors"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncState) TableName() string { return "sync_state" }

// XPDiff is primary minus linked.
func (s *SyncState) XPDiff() int64 { return s.PrimaryXP - s.LinkedXP }

func (s *SyncState) BalanceDiff() int64 { return s.PrimaryBalance - s.LinkedBalance }

func (s *SyncState) RankDiff() int { return s.PrimaryRank - s.LinkedRank }

func (s *SyncState) HasXPDiff() bool      { return s.XPDiff() != 0 }
func (s *SyncState) HasBalanceDiff() bool { return s.BalanceDiff() != 0 }
func (s *SyncState) HasRankDiff() bool    { return s.RankDiff() != 0 }

// Observe copies current platform values into the state.
func (s *SyncState) Observe(primary, linked PlatformUser) {
	s.PrimaryXP, s.PrimaryBalance, s.PrimaryRank = primary.XP, primary.Coins, primary.RankID
	s.LinkedXP, s.LinkedBalance, s.LinkedRank = linked.XP, linked.Coins, linked.RankID
}
