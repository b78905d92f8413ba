package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CredentialScope restricts what a registered API key is allowed to do at
// the custodian. Exactly one credential is active per scope at a time.
type CredentialScope string

const (
	ScopeRootSession CredentialScope = "root-session"
	ScopeRecovery    CredentialScope = "recovery"
	ScopeBotSession  CredentialScope = "bot-session"
)

// ApiKeyCredential is the audit record of an API keypair registered with the
// custodian. Only the public half is ever stored here; superseded credentials
// are revoked, never hard-deleted.
type ApiKeyCredential struct {
	ID             string          `gorm:"primaryKey;type:uuid" json:"id"`
	OrganizationID string          `gorm:"index;not null" json:"organization_id"`
	UserID         string          `gorm:"index;not null" json:"user_id"`
	PublicKey      string          `gorm:"uniqueIndex;not null" json:"public_key"` // hex, P-256 compressed
	Name           string          `gorm:"not null" json:"name"`
	Scope          CredentialScope `gorm:"not null;index" json:"scope"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	RevokedAt      *time.Time      `gorm:"index" json:"revoked_at,omitempty"`

	Timestamps
}

func (c *ApiKeyCredential) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Revoked reports whether the credential has been superseded.
func (c *ApiKeyCredential) Revoked() bool { return c.RevokedAt != nil }

// Expired reports whether the credential's expiry has passed.
func (c *ApiKeyCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
