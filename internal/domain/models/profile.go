package models

import (
	"github.com/google/uuid"
)

// Profile is the external identity a device or session is trusted to act
// on behalf of. Only the fields this core needs are mirrored here; bio,
// avatar and the rest live in the profile service.
type Profile struct {
	ID             uuid.UUID
	Handle         string
	PairingEnabled bool
}
