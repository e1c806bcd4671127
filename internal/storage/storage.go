package storage

import (
	"errors"
)

var (
	ErrProfileNotFound = errors.New("profile not found")

	ErrDeviceNotFound  = errors.New("device not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	ErrLinkNotFound    = errors.New("magic link not found")
	ErrLinkExpired     = errors.New("magic link expired")
	ErrLinkDeactivated = errors.New("magic link deactivated")

	ErrPinNotFound  = errors.New("pairing pin not found")
	ErrPinExpired   = errors.New("pairing pin expired")
	ErrPinConsumed  = errors.New("pairing pin already consumed")
	ErrPinCollision = errors.New("pairing pin code already active")

	ErrLoginPinNotSet = errors.New("login pin not set")
	ErrInvalidPin     = errors.New("invalid pin format")

	ErrPairingDisabled    = errors.New("pairing disabled for profile")
	ErrForbidden          = errors.New("caller does not own the record")
	ErrRateLimited        = errors.New("too many failed attempts")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
