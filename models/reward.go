package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RewardStatus tracks the payout state of a referral reward.
type RewardStatus string

const (
	RewardStatusUnpaid RewardStatus = "unpaid"
	RewardStatusPaid   RewardStatus = "paid"
)

// Reward is a referral payout candidate produced as a side effect of a
// Trade. Rows are append-only; only Status flips (by the payout process,
// which lives outside this service).
type Reward struct {
	ID          string       `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string       `gorm:"index;not null" json:"user_id"`        // beneficiary (the referrer)
	SourceUser  string       `gorm:"index;not null" json:"source_user"`    // the paying user the fee came from
	TradeID     string       `gorm:"index;not null" json:"trade_id"`
	Level       int          `gorm:"not null" json:"level"`                // 0 = direct referrer
	Amount      float64      `gorm:"not null" json:"amount"`
	Asset       string       `gorm:"not null;default:'XLM'" json:"asset"`
	Status      RewardStatus `gorm:"not null;default:'unpaid';index" json:"status"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`

	Timestamps
}

func (r *Reward) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
