package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CustodyOrganization is the custodian-side tenant for one user: the opaque
// sub-organization id, its primary wallet and the wallet's Stellar address.
// At most one active org per user; superseded orgs are marked inactive and
// kept for the audit trail.
type CustodyOrganization struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	UserID         string `gorm:"index;not null" json:"user_id"`
	OrganizationID string `gorm:"uniqueIndex;not null" json:"organization_id"` // custodian's opaque id
	WalletID       string `gorm:"not null" json:"wallet_id"`
	PublicKey      string `gorm:"index;not null" json:"public_key"` // Stellar address (G...)
	IsActive       bool   `gorm:"default:true;index" json:"is_active"`

	Timestamps
}

func (o *CustodyOrganization) BeforeCreate(*gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}
