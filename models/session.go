package models

import "time"

// SigningSession is a server-custodied, time-boxed signing key for one user.
// The Stellar seed is envelope-encrypted by KMS before it ever touches the
// row; the plaintext seed only exists inside a single signing call. Multiple
// sessions may coexist per user (multi-device), each independently revocable.
type SigningSession struct {
	ID          string    `gorm:"primaryKey" json:"id"` // uuid, collision-retried on create
	UserID      string    `gorm:"index;not null" json:"user_id"`
	PublicKey   string    `gorm:"not null" json:"public_key"` // Stellar address of the session key
	WrappedSeed []byte    `gorm:"type:bytea;not null" json:"-"`
	KmsKeyID    string    `gorm:"not null" json:"-"`
	IssuedAt    time.Time `gorm:"not null" json:"issued_at"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
}

// Expired reports whether the session's lifetime has passed.
func (s *SigningSession) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }
