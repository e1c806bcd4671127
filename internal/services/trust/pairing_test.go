package trust

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicetrust/internal/storage"
)

func TestGenerateAndRedeemPairingPin(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	pin, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)
	assert.Len(t, pin.PinCode, 6)
	for _, r := range pin.PinCode {
		assert.True(t, r >= '0' && r <= '9')
	}

	sess, err := svc.RedeemPairingPin(ctx, pin.PinCode, "tablet-1", "198.51.100.4", gofakeit.UserAgent())
	require.NoError(t, err)
	assert.Equal(t, profile.ID, sess.ProfileID)
	assert.Equal(t, "tablet-1", sess.DeviceID)
}

func TestRedeemPairingPin_SingleUse(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	pin, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)

	_, err = svc.RedeemPairingPin(ctx, pin.PinCode, "tablet-1", "", "")
	require.NoError(t, err)

	_, err = svc.RedeemPairingPin(ctx, pin.PinCode, "tablet-2", "", "")
	assert.ErrorIs(t, err, storage.ErrPinConsumed)
}

func TestRedeemPairingPin_ExpiredAfterDefaultWindow(t *testing.T) {
	svc, reg, clock := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	pin, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)

	_, err = svc.RedeemPairingPin(ctx, pin.PinCode, "tablet-1", "", "")
	assert.ErrorIs(t, err, storage.ErrPinExpired)
}

func TestGeneratePairingPin_SupersedesPrevious(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	first, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)

	second, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)
	require.NotEqual(t, first.PinCode, second.PinCode)

	_, err = svc.RedeemPairingPin(ctx, first.PinCode, "tablet-1", "", "")
	assert.ErrorIs(t, err, storage.ErrPinConsumed)

	_, err = svc.RedeemPairingPin(ctx, second.PinCode, "tablet-1", "", "")
	require.NoError(t, err)
}

func TestGeneratePairingPin_PairingDisabled(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())

	profile := reg.addProfile(gofakeit.Username(), false)

	_, err := svc.GeneratePairingPin(context.Background(), profile.ID, 0)
	assert.ErrorIs(t, err, storage.ErrPairingDisabled)
}

func TestGeneratePairingPin_DurationClamped(t *testing.T) {
	svc, reg, clock := newTestTrust(defaultTestPolicy())

	profile := reg.addProfile(gofakeit.Username(), true)

	pin, err := svc.GeneratePairingPin(context.Background(), profile.ID, 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), pin.ExpiresAt)
}

func TestCancelPairingPin(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	pin, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)

	require.NoError(t, svc.CancelPairingPin(ctx, profile.ID))

	_, err = svc.RedeemPairingPin(ctx, pin.PinCode, "tablet-1", "", "")
	assert.ErrorIs(t, err, storage.ErrPinConsumed)

	// Cancelling with nothing outstanding is fine.
	require.NoError(t, svc.CancelPairingPin(ctx, profile.ID))
}

func TestSweepExpiredPairingPins(t *testing.T) {
	svc, reg, clock := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	_, err := svc.GeneratePairingPin(ctx, profile.ID, 0)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	require.NoError(t, svc.SweepExpiredPairingPins(ctx))

	n, err := reg.SweepExpiredPairingPins(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "sweep should leave nothing behind")
}
