package models

// PlatformUser is the platform-local view of a user's economy, one row per
// (platform, local id). On the primary platform LocalUserID is the canonical
// user id; on the linked platform it is the external account id.
type PlatformUser struct {
	ID          uint     `gorm:"primaryKey" json:"-"`
	Platform    Platform `gorm:"size:20;not null;uniqueIndex:idx_platform_users_local" json:"platform"`
	LocalUserID string   `gorm:"size:64;not null;uniqueIndex:idx_platform_users_local" json:"local_user_id"`
	Username    string   `gorm:"size:100" json:"username,omitempty"`

	XP     int64 `gorm:"not null;default:0" json:"xp"`
	Coins  int64 `gorm:"not null;default:0" json:"coins"`
	RankID int   `gorm:"not null;default:1" json:"rank_id"`

	Timestamps
}

func (PlatformUser) TableName() string { return "platform_users" }
