package models

import (
	"time"

	"gorm.io/gorm"
)

type RoleReasonType string

const (
	RoleReasonAchievement  RoleReasonType = "achievement"
	RoleReasonSeasonReward RoleReasonType = "season_reward"
	RoleReasonRank         RoleReasonType = "rank"
)

func (r RoleReasonType) Valid() bool {
	return r == RoleReasonAchievement || r == RoleReasonSeasonReward || r == RoleReasonRank
}

// RoleGrant records one attempt to assign an external role for a reason.
// ReasonID is "" rather than NULL so the composite unique index holds.
type RoleGrant struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerUserID    string         `gorm:"size:64;not null;uniqueIndex:idx_role_grants_reason" json:"owner_user_id"`
	ExternalUserID string         `gorm:"size:64;not null;index" json:"external_user_id"`
	RoleName       string         `gorm:"size:100;not null;uniqueIndex:idx_role_grants_reason" json:"role_name"`
	ReasonType     RoleReasonType `gorm:"size:32;not null;uniqueIndex:idx_role_grants_reason" json:"reason_type"`
	ReasonID       string         `gorm:"size:100;not null;uniqueIndex:idx_role_grants_reason" json:"reason_id"`
	IsGranted      bool           `gorm:"not null;index" json:"is_granted"`
	RoleID         *string        `gorm:"size:64" json:"role_id,omitempty"`
	Retries        int            `gorm:"not null" json:"retries"`
	ErrorMessage   *string        `gorm:"type:text" json:"error_message,omitempty"`
	GrantedAt      *time.Time     `json:"granted_at,omitempty"`

	Timestamps
}

func (RoleGrant) TableName() string { return "role_grants" }

func (g *RoleGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == "" {
		g.ID = newID()
	}
	return nil
}

// Exhausted reports whether background sweeps should skip the grant.
func (g *RoleGrant) Exhausted(maxRetries int) bool {
	return !g.IsGranted && g.Retries >= maxRetries
}
