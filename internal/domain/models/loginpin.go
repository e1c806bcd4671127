package models

import (
	"time"

	"github.com/google/uuid"
)

// PersonalLoginPin is the durable user-chosen PIN usable together with the
// profile's handle as a standing credential. Only the hash is ever stored.
type PersonalLoginPin struct {
	ProfileID uuid.UUID
	PinHash   []byte
	UpdatedAt time.Time

	// Online-guessing guard. FailedAttempts counts consecutive failures,
	// LockedUntil is set once the limit is crossed.
	FailedAttempts int
	LockedUntil    *time.Time
}
