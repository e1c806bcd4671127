package trust

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/logger/sl"
)

// TouchDevice records activity from a device: last_seen_at, request_count
// and the current user agent / address. Called on every authorized request.
// Never creates or changes a profile link.
func (t *Trust) TouchDevice(ctx context.Context, deviceID, userAgent, ipAddress string) error {
	const op = "trust.TouchDevice"

	if err := t.devices.TouchDevice(ctx, deviceID, userAgent, ipAddress, t.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListDevices returns the profile's devices partitioned into active and
// revoked for display.
func (t *Trust) ListDevices(ctx context.Context, profileID uuid.UUID) (active, revoked []models.Device, err error) {
	const op = "trust.ListDevices"

	devices, err := t.devices.DevicesByProfile(ctx, profileID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, d := range devices {
		if d.IsRevoked {
			revoked = append(revoked, d)
		} else {
			active = append(active, d)
		}
	}

	return active, revoked, nil
}

// RevokeDevice marks the device revoked and cascades to every session
// bound to it, so revoking a device can never leave live sessions behind.
func (t *Trust) RevokeDevice(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error {
	const op = "trust.RevokeDevice"

	log := t.log.With(
		slog.String("op", op),
		slog.String("device_id", deviceID),
	)

	if err := t.devices.SetDeviceRevoked(ctx, deviceID, callerProfileID, true, t.now()); err != nil {
		log.Warn("device revoke failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &callerProfileID,
		Action:    models.AuditDeviceRevoked,
		DeviceID:  &deviceID,
	})

	log.Info("device revoked")

	return nil
}

// UnrevokeDevice clears the device's revoked state. Sessions revoked by the
// cascade stay revoked; the device has to authenticate again.
func (t *Trust) UnrevokeDevice(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error {
	const op = "trust.UnrevokeDevice"

	if err := t.devices.SetDeviceRevoked(ctx, deviceID, callerProfileID, false, t.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &callerProfileID,
		Action:    models.AuditDeviceUnrevoked,
		DeviceID:  &deviceID,
	})

	return nil
}

// ClearSuspiciousFlag clears the advisory is_suspicious marker. The flag is
// informational only and never affects authorization.
func (t *Trust) ClearSuspiciousFlag(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error {
	const op = "trust.ClearSuspiciousFlag"

	if err := t.devices.ClearDeviceSuspicious(ctx, deviceID, callerProfileID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
