package store

import "time"

// ActivationKey is the authoritative server-side record behind every key
// document the clients validate against.
type ActivationKey struct {
	ID            string `gorm:"primaryKey;size:16"`
	Description   string
	ExpiresAt     *time.Time
	IsOneTime     bool
	IsUsed        bool
	UserUID       string `gorm:"index;size:64"`
	AccessCount   int64
	ActivatedAt   *time.Time
	ActivatedFrom string
	LastAccessed  *time.Time
	UsedAt        *time.Time
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// Device is an anonymous client identity that authenticated at least once.
type Device struct {
	UID       string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	LastSeen  time.Time
}
