package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/logger/sl"
	"devicetrust/internal/lib/random"
	"devicetrust/internal/storage"
)

// pinDrawAttempts bounds collision redraws at issuance. With a 6-digit
// space the chance of exhausting this is negligible at any realistic count
// of outstanding codes.
const pinDrawAttempts = 10

// GeneratePairingPin mints a short numeric code for the profile. The
// profile's previous unconsumed PIN, if any, is superseded. Refused when
// the profile has pairing disabled.
func (t *Trust) GeneratePairingPin(ctx context.Context, profileID uuid.UUID, duration time.Duration) (models.PairingPin, error) {
	const op = "trust.GeneratePairingPin"

	log := t.log.With(
		slog.String("op", op),
		slog.String("profile_id", profileID.String()),
	)

	profile, err := t.profiles.ProfileByID(ctx, profileID)
	if err != nil {
		log.Warn("profile not found", sl.Err(err))
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}
	if !profile.PairingEnabled {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPairingDisabled)
	}

	if duration <= 0 {
		duration = t.policy.PairingDefaultDuration
	}
	if duration > t.policy.PairingMaxDuration {
		duration = t.policy.PairingMaxDuration
	}

	now := t.now()

	for attempt := 0; attempt < pinDrawAttempts; attempt++ {
		code, err := random.NumericCode(t.policy.PairingCodeWidth)
		if err != nil {
			log.Error("pin generation failed", sl.Err(err))
			return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
		}

		pin := models.PairingPin{
			PinCode:   code,
			ProfileID: profileID,
			CreatedAt: now,
			ExpiresAt: now.Add(duration),
		}

		id, err := t.pins.SavePairingPin(ctx, pin)
		if err != nil {
			if errors.Is(err, storage.ErrPinCollision) {
				continue
			}
			log.Error("failed to save pairing pin", sl.Err(err))
			return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
		}
		pin.ID = id

		log.Info("pairing pin generated", slog.Time("expires_at", pin.ExpiresAt))

		return pin, nil
	}

	return models.PairingPin{}, fmt.Errorf("%s: could not draw a unique pin code", op)
}

// RedeemPairingPin consumes the PIN and starts a session on the requesting
// device, identical in effect to magic-link redemption. Consumption is
// atomic; a PIN authorizes at most one device.
func (t *Trust) RedeemPairingPin(ctx context.Context, pinCode, deviceID, ipAddress, userAgent string) (models.Session, error) {
	const op = "trust.RedeemPairingPin"

	log := t.log.With(
		slog.String("op", op),
		slog.String("device_id", deviceID),
	)

	pin, err := t.pins.ConsumePairingPin(ctx, pinCode, t.now())
	if err != nil {
		log.Warn("pairing pin redemption failed", sl.Err(err))
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	sess, err := t.startSession(ctx, pin.ProfileID, deviceID, ipAddress, userAgent)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("pairing pin redeemed", slog.String("profile_id", pin.ProfileID.String()))

	return sess, nil
}

// CancelPairingPin invalidates the profile's outstanding PIN immediately,
// without waiting for natural expiry.
func (t *Trust) CancelPairingPin(ctx context.Context, profileID uuid.UUID) error {
	const op = "trust.CancelPairingPin"

	n, err := t.pins.CancelPairingPins(ctx, profileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if n > 0 {
		t.recordAudit(ctx, models.AuditEntry{
			ProfileID: &profileID,
			Action:    models.AuditPairingCancelled,
		})
	}

	return nil
}

// SweepExpiredPairingPins marks expired unconsumed rows consumed to bound
// registry growth. Redemption checks expiry regardless; the sweep is purely
// housekeeping.
func (t *Trust) SweepExpiredPairingPins(ctx context.Context) error {
	const op = "trust.SweepExpiredPairingPins"

	n, err := t.pins.SweepExpiredPairingPins(ctx, t.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if n > 0 {
		t.log.Info("swept expired pairing pins",
			slog.String("op", op),
			slog.Int64("count", n),
		)
	}

	return nil
}
