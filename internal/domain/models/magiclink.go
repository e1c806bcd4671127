package models

import (
	"time"

	"github.com/google/uuid"
)

// LinkType selects the expiry policy of a magic link.
type LinkType string

const (
	LinkTypeStandard LinkType = "standard"
	LinkTypeExtended LinkType = "extended"
	LinkTypeOneTime  LinkType = "one_time"
)

// Valid reports whether t is one of the known link types.
func (t LinkType) Valid() bool {
	switch t {
	case LinkTypeStandard, LinkTypeExtended, LinkTypeOneTime:
		return true
	}
	return false
}

// MagicLink is a URL-carried bearer credential that links the redeeming
// device to the issuing profile.
type MagicLink struct {
	ID        int64
	Token     string
	ProfileID uuid.UUID
	LinkType  LinkType

	CreatedAt time.Time
	ExpiresAt time.Time

	// Email is advisory only (where the link was sent), never an
	// authentication factor.
	Email *string

	IsActive bool
}
