package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventTypeXPChange          EventType = "xp_change"
	EventTypeBalanceChange     EventType = "balance_change"
	EventTypeRankChange        EventType = "rank_change"
	EventTypeAchievementUnlock EventType = "achievement_unlock"
	EventTypeRewardGrant       EventType = "reward_grant"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeXPChange, EventTypeBalanceChange, EventTypeRankChange,
		EventTypeAchievementUnlock, EventTypeRewardGrant:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	// EventStatusArchived is never stored. It marks an event rebuilt from its
	// ledger row after cleanup removed the original.
	EventStatusArchived EventStatus = "archived"
)

// MaxEventRetries caps automatic and manual requeues of a failed event.
const MaxEventRetries = 3

// SyncEvent is one intended cross-platform propagation.
type SyncEvent struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	IdempotencyKey string         `gorm:"uniqueIndex;size:255;not null" json:"idempotency_key"`
	Source         Platform       `gorm:"size:20;not null;index" json:"source"`
	EventType      EventType      `gorm:"size:50;not null;index" json:"event_type"`
	UserID         string         `gorm:"size:64;not null;index" json:"user_id"`
	Payload        datatypes.JSON `json:"payload"`
	Status         EventStatus    `gorm:"size:20;not null;index" json:"status"`
	ProcessedBy    *Platform      `gorm:"size:20" json:"processed_by,omitempty"`
	Retries        int            `gorm:"not null" json:"retries"`
	ErrorMessage   *string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	ClaimedAt      *time.Time     `gorm:"index" json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

func (SyncEvent) TableName() string { return "sync_events" }

func (e *SyncEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = EventStatusPending
	}
	return nil
}

// CanRetry reports whether a failed event may go back to pending.
func (e *SyncEvent) CanRetry() bool {
	return e.Status == EventStatusFailed && e.Retries < MaxEventRetries
}
