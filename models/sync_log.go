package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncAction string

const (
	SyncActionLinkCreated     SyncAction = "link_created"
	SyncActionLinkRevoked     SyncAction = "link_revoked"
	SyncActionRoleGranted     SyncAction = "role_granted"
	SyncActionRoleGrantFailed SyncAction = "role_grant_failed"
)

// SyncLog is an operator-facing audit trail for link and role operations.
type SyncLog struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	OwnerUserID    string         `gorm:"size:64;index" json:"owner_user_id"`
	ExternalUserID *string        `gorm:"size:64" json:"external_user_id,omitempty"`
	Action         SyncAction     `gorm:"size:50;not null;index" json:"action"`
	Details        datatypes.JSON `json:"details,omitempty"`
	Success        bool           `gorm:"not null" json:"success"`
	ErrorMessage   *string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (SyncLog) TableName() string { return "sync_logs" }
