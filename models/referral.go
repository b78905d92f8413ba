package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Referral is one edge of the referral forest: each user has at most one
// direct referrer, enforced by the unique index on ReferredID together with
// conflict-ignore insert semantics at registration time.
type Referral struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	ReferrerID string `gorm:"index;not null" json:"referrer_id"`
	ReferredID string `gorm:"uniqueIndex;not null" json:"referred_id"`

	Timestamps
}

func (r *Referral) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
