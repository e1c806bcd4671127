package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/logger/sl"
	"devicetrust/internal/storage"
)

// SetPersonalPin sets or replaces the profile's durable login PIN. When a
// PIN already exists the caller must present it; the stored hash stays
// untouched on any failure.
func (t *Trust) SetPersonalPin(ctx context.Context, profileID uuid.UUID, currentPin *string, newPin string) error {
	const op = "trust.SetPersonalPin"

	log := t.log.With(
		slog.String("op", op),
		slog.String("profile_id", profileID.String()),
	)

	if !validPinFormat(newPin, t.policy.LoginPinMinLen, t.policy.LoginPinMaxLen) {
		return fmt.Errorf("%s: %w", op, storage.ErrInvalidPin)
	}

	if _, err := t.profiles.ProfileByID(ctx, profileID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	existing, err := t.loginPins.LoginPin(ctx, profileID)
	switch {
	case err == nil:
		// A PIN exists: the previous one must be presented.
		if currentPin == nil {
			return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
		}
		if bcrypt.CompareHashAndPassword(existing.PinHash, []byte(*currentPin)) != nil {
			log.Warn("current pin mismatch on pin change")
			return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
		}
	case errors.Is(err, storage.ErrLoginPinNotSet):
		// First set: currentPin, whatever it is, is ignored.
	default:
		return fmt.Errorf("%s: %w", op, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPin), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to hash pin", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := t.loginPins.SaveLoginPin(ctx, profileID, hash, t.now()); err != nil {
		log.Error("failed to save pin", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("personal pin updated")

	return nil
}

// dummyPinHash is a bcrypt hash of an unguessable throwaway value. Miss
// paths compare against it so an unknown handle or unset PIN costs the same
// bcrypt work as a real mismatch.
var dummyPinHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// AuthenticateWithPin resolves the handle and checks the PIN against the
// stored hash. Failures are counted per profile and the row locks for the
// configured window once the limit is crossed, since a 4-8 digit keyspace
// cannot survive unthrottled online guessing. Callers at the boundary must
// collapse ErrProfileNotFound/ErrLoginPinNotSet/ErrInvalidCredentials into
// one generic failure.
func (t *Trust) AuthenticateWithPin(ctx context.Context, handle, pin string) (uuid.UUID, error) {
	const op = "trust.AuthenticateWithPin"

	log := t.log.With(
		slog.String("op", op),
		slog.String("handle", handle),
	)

	profile, err := t.profiles.ProfileByHandle(ctx, handle)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyPinHash, []byte(pin))
		log.Warn("unknown handle", sl.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	rec, err := t.loginPins.LoginPin(ctx, profile.ID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyPinHash, []byte(pin))
		log.Warn("no pin set for handle", sl.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	now := t.now()
	if rec.LockedUntil != nil && now.Before(*rec.LockedUntil) {
		log.Warn("pin auth rate limited")
		return uuid.Nil, fmt.Errorf("%s: %w", op, storage.ErrRateLimited)
	}

	if bcrypt.CompareHashAndPassword(rec.PinHash, []byte(pin)) != nil {
		lockUntil := now.Add(t.policy.LoginPinLockoutWindow)
		if err := t.loginPins.RecordLoginPinFailure(ctx, profile.ID, t.policy.LoginPinMaxFailures, lockUntil); err != nil {
			log.Error("failed to record pin failure", sl.Err(err))
		}
		log.Warn("invalid pin")
		return uuid.Nil, fmt.Errorf("%s: %w", op, storage.ErrInvalidCredentials)
	}

	if rec.FailedAttempts > 0 {
		if err := t.loginPins.ResetLoginPinFailures(ctx, profile.ID); err != nil {
			log.Error("failed to reset pin failures", sl.Err(err))
		}
	}

	log.Info("pin authentication succeeded", slog.String("profile_id", profile.ID.String()))

	return profile.ID, nil
}

// LoginWithPin authenticates and starts a session on the requesting device
// in one step, the direct-PIN counterpart of credential redemption.
func (t *Trust) LoginWithPin(ctx context.Context, handle, pin, deviceID, ipAddress, userAgent string) (models.Session, error) {
	const op = "trust.LoginWithPin"

	profileID, err := t.AuthenticateWithPin(ctx, handle, pin)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := t.startSession(ctx, profileID, deviceID, ipAddress, userAgent)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return sess, nil
}

func validPinFormat(pin string, minLen, maxLen int) bool {
	if len(pin) < minLen || len(pin) > maxLen {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
