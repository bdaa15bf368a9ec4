package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
)

// PayloadError is returned when a stored payload does not match the schema
// for its event type.
type PayloadError struct {
	EventType EventType
	Err       error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.EventType, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// Payload is implemented by every event-type payload.
type Payload interface {
	EventType() EventType
	Validate() error
}

type XPChangePayload struct {
	DeltaXP  int64          `json:"delta_xp"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (XPChangePayload) EventType() EventType { return EventTypeXPChange }

func (p XPChangePayload) Validate() error {
	if p.DeltaXP == 0 {
		return errors.New("delta_xp must be non-zero")
	}
	return nil
}

type BalanceChangePayload struct {
	DeltaBalance int64          `json:"delta_balance"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (BalanceChangePayload) EventType() EventType { return EventTypeBalanceChange }

func (p BalanceChangePayload) Validate() error {
	if p.DeltaBalance == 0 {
		return errors.New("delta_balance must be non-zero")
	}
	return nil
}

type RankChangePayload struct {
	OldRank      int    `json:"old_rank"`
	NewRank      int    `json:"new_rank"`
	CauseEventID string `json:"cause_event_id,omitempty"`
}

func (RankChangePayload) EventType() EventType { return EventTypeRankChange }

func (p RankChangePayload) Validate() error {
	if p.NewRank < 1 {
		return errors.New("new_rank must be positive")
	}
	if p.NewRank == p.OldRank {
		return errors.New("new_rank equals old_rank")
	}
	return nil
}

type AchievementPayload struct {
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title,omitempty"`
	RoleName      string `json:"role_name,omitempty"`
}

func (AchievementPayload) EventType() EventType { return EventTypeAchievementUnlock }

func (p AchievementPayload) Validate() error {
	if p.AchievementID == "" {
		return errors.New("achievement_id is required")
	}
	return nil
}

type RewardPayload struct {
	DeltaXP      int64          `json:"delta_xp"`
	DeltaBalance int64          `json:"delta_balance"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (RewardPayload) EventType() EventType { return EventTypeRewardGrant }

func (p RewardPayload) Validate() error {
	if p.DeltaXP == 0 && p.DeltaBalance == 0 {
		return errors.New("reward carries no delta")
	}
	return nil
}

// EncodePayload validates p and serializes it for storage.
func EncodePayload(p Payload) (datatypes.JSON, error) {
	if err := p.Validate(); err != nil {
		return nil, &PayloadError{EventType: p.EventType(), Err: err}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, &PayloadError{EventType: p.EventType(), Err: err}
	}
	return datatypes.JSON(raw), nil
}

// DecodePayload strictly decodes raw into T. Unknown fields and failed
// validation are reported as *PayloadError.
func DecodePayload[T Payload](raw datatypes.JSON) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, &PayloadError{EventType: out.EventType(), Err: err}
	}
	if err := out.Validate(); err != nil {
		return out, &PayloadError{EventType: out.EventType(), Err: err}
	}
	return out, nil
}

// LedgerDeltas extracts the economic deltas carried by a payload.
func LedgerDeltas(p Payload) (deltaXP, deltaBalance int64, reason string, metadata map[string]any) {
	switch v := p.(type) {
	case XPChangePayload:
		return v.DeltaXP, 0, v.Reason, v.Metadata
	case BalanceChangePayload:
		return 0, v.DeltaBalance, v.Reason, v.Metadata
	case RewardPayload:
		return v.DeltaXP, v.DeltaBalance, v.Reason, v.Metadata
	case AchievementPayload:
		return 0, 0, "achievement", map[string]any{"achievement_id": v.AchievementID}
	case RankChangePayload:
		return 0, 0, "rank_change", map[string]any{"old_rank": v.OldRank, "new_rank": v.NewRank}
	}
	return 0, 0, "", nil
}
