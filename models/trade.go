package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Trade is the append-only record of a completed signing+submission. The
// transaction hash is the idempotency key: resubmitting the same hash must
// return the existing row instead of creating a duplicate.
type Trade struct {
	ID            string  `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string  `gorm:"index;not null" json:"user_id"`
	TxHash        string  `gorm:"uniqueIndex;not null" json:"tx_hash"`
	ActivityID    string  `gorm:"index" json:"activity_id,omitempty"` // custodian activity, empty on the pre-signed path
	SignedXDR     string  `gorm:"type:text;not null" json:"signed_xdr"`
	VolumeXLM     float64 `json:"volume_xlm"`
	FeeAmount     float64 `json:"fee_amount"`
	FeeAsset      string  `json:"fee_asset"`
	SecurityLevel string  `gorm:"not null" json:"security_level"` // high | low

	Timestamps
}

func (t *Trade) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
