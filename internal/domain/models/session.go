package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a bounded-lifetime grant of access, bound to exactly one
// device and one profile.
type Session struct {
	ID        uuid.UUID
	DeviceID  string
	ProfileID uuid.UUID

	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time

	IsRevoked bool
	RevokedAt *time.Time

	IPAddress string
	UserAgent string
}

// Usable reports whether the session itself is live at now. The owning
// device's revocation state is checked separately by the registry.
func (s Session) Usable(now time.Time) bool {
	return !s.IsRevoked && now.Before(s.ExpiresAt)
}
