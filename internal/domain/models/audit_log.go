package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the trust core.
const (
	AuditDeviceLinked         = "device_linked"
	AuditDeviceTransferred    = "device_transferred"
	AuditDeviceRevoked        = "device_revoked"
	AuditDeviceUnrevoked      = "device_unrevoked"
	AuditSessionRevoked       = "session_revoked"
	AuditSessionUnrevoked     = "session_unrevoked"
	AuditMagicLinkDeactivated = "magic_link_deactivated"
	AuditPairingCancelled     = "pairing_cancelled"
)

type AuditEntry struct {
	ID        int64
	ProfileID *uuid.UUID
	Action    string
	DeviceID  *string
	SessionID *uuid.UUID
	Details   *string
	CreatedAt time.Time
}
