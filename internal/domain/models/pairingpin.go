package models

import (
	"time"

	"github.com/google/uuid"
)

// PairingPin is a short-lived numeric code for same-room device linking.
// At most one unconsumed PIN exists per profile at any time.
type PairingPin struct {
	ID        int64
	PinCode   string
	ProfileID uuid.UUID

	CreatedAt time.Time
	ExpiresAt time.Time

	IsConsumed bool
}
