package models

import (
	"time"

	"github.com/google/uuid"
)

// Device is a persistent client installation. The identifier is generated
// and persisted by the client itself; no hardware identity is trusted.
type Device struct {
	ID        string
	ProfileID *uuid.UUID // nil until the device is linked

	UserAgent string
	IPAddress string

	FirstSeenAt  time.Time
	LastSeenAt   time.Time
	RequestCount int64

	IsRevoked    bool
	IsSuspicious bool
}

// Linked reports whether the device is bound to a profile.
func (d Device) Linked() bool {
	return d.ProfileID != nil
}
