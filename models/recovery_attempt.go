package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecoveryState is one step of the linear recovery state machine. Failed and
// Expired are terminal: a broken flow restarts from scratch, never resumes.
type RecoveryState string

const (
	RecoveryNotStarted          RecoveryState = "not_started"
	RecoveryEmailLookupPending  RecoveryState = "email_lookup_pending"
	RecoveryOtpInitiated        RecoveryState = "otp_initiated"
	RecoveryOtpVerified         RecoveryState = "otp_verified"
	RecoveryNewCredentialMinted RecoveryState = "new_credential_minted"
	RecoveryCompleted           RecoveryState = "completed"
	RecoveryFailed              RecoveryState = "failed"
	RecoveryExpiredState        RecoveryState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s RecoveryState) Terminal() bool {
	return s == RecoveryCompleted || s == RecoveryFailed || s == RecoveryExpiredState
}

// RecoveryAttempt persists one pass through the recovery flow so the expiry
// sweep and the complete endpoint can find it again. TargetPublicKey is the
// throwaway HPKE key the client generated for this attempt; the custodian
// encrypts the credential bundle to it.
type RecoveryAttempt struct {
	ID              string        `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string        `gorm:"index;not null" json:"user_id"`
	OrganizationID  string        `gorm:"index;not null" json:"organization_id"`
	State           RecoveryState `gorm:"not null;index" json:"state"`
	TargetPublicKey string        `gorm:"not null" json:"target_public_key"` // hex, P-256 uncompressed
	BundleExpiresAt time.Time     `gorm:"not null" json:"bundle_expires_at"`

	Timestamps
}

func (a *RecoveryAttempt) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
