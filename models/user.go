package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the stable account identity behind a Telegram Mini App user.
// Email is the root-of-trust contact and only changes through the recovery
// flow. Users are deactivated, never deleted.
type User struct {
	ID         string `gorm:"primaryKey;type:uuid" json:"id"`
	TelegramID int64  `gorm:"uniqueIndex;not null" json:"telegram_id"`
	Email      string `gorm:"index;not null" json:"email"`
	IsActive   bool   `gorm:"default:true" json:"is_active"`

	Timestamps
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
