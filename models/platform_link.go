package models

import (
	"time"

	"gorm.io/gorm"
)

type LinkStatus string

const (
	LinkStatusPending LinkStatus = "pending"
	LinkStatusActive  LinkStatus = "active"
	LinkStatusExpired LinkStatus = "expired"
	LinkStatusRevoked LinkStatus = "revoked"
)

// PlatformLink pairs a canonical user with an identity on the linked platform.
// At most one active link may exist per (owner, platform).
type PlatformLink struct {
	ID               string     `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerUserID      string     `gorm:"size:64;not null;index;uniqueIndex:idx_platform_links_active,where:status = 'active'" json:"owner_user_id"`
	ExternalPlatform Platform   `gorm:"size:20;not null;uniqueIndex:idx_platform_links_active" json:"external_platform"`
	ExternalUserID   *string    `gorm:"size:64;index" json:"external_user_id,omitempty"`
	ExternalUsername *string    `gorm:"size:100" json:"external_username,omitempty"`
	VerificationCode string     `gorm:"size:16;not null;index" json:"-"`
	Status           LinkStatus `gorm:"size:20;not null;index" json:"status"`
	ExpiresAt        time.Time  `gorm:"not null" json:"expires_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`

	Timestamps
}

func (PlatformLink) TableName() string { return "platform_links" }

func (l *PlatformLink) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.ExternalPlatform == "" {
		l.ExternalPlatform = LinkedPlatform
	}
	return nil
}

func (l *PlatformLink) IsExpired(now time.Time) bool {
	return l.Status == LinkStatusPending && !now.Before(l.ExpiresAt)
}
