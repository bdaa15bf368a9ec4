package models

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies one of the two front-ends sharing the economy.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
)

// PrimaryPlatform owns canonical user ids and wins XP/balance conflicts.
// It is also the only platform allowed to originate rank changes.
const PrimaryPlatform = PlatformTelegram

// LinkedPlatform is the external identity a primary account is paired with.
const LinkedPlatform = PlatformDiscord

func (p Platform) Valid() bool {
	return p == PlatformTelegram || p == PlatformDiscord
}

// Opposite returns the platform an event originating on p propagates to.
func (p Platform) Opposite() Platform {
	if p == PlatformTelegram {
		return PlatformDiscord
	}
	return PlatformTelegram
}

func (p Platform) String() string { return string(p) }

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func newID() string {
	return uuid.NewString()
}
