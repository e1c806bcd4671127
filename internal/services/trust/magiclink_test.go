package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/storage"
)

func TestIssueAndRedeemMagicLink_HappyPath(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)
	deviceID := gofakeit.UUID()

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, link.Token)
	assert.True(t, link.IsActive)

	sess, err := svc.RedeemMagicLink(ctx, link.Token, deviceID, "203.0.113.7", gofakeit.UserAgent())
	require.NoError(t, err)
	assert.Equal(t, profile.ID, sess.ProfileID)
	assert.Equal(t, deviceID, sess.DeviceID)

	ok, got, err := svc.IsAuthorized(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)

	device, err := reg.DeviceByID(ctx, deviceID)
	require.NoError(t, err)
	require.NotNil(t, device.ProfileID)
	assert.Equal(t, profile.ID, *device.ProfileID)
}

func TestRedeemMagicLink_StandardIsReusable(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-a", "", "")
	require.NoError(t, err)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-b", "", "")
	require.NoError(t, err)
}

func TestRedeemMagicLink_SingleUseAllPolicy(t *testing.T) {
	policy := defaultTestPolicy()
	policy.SingleUseAllLinks = true
	svc, reg, _ := newTestTrust(policy)
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-a", "", "")
	require.NoError(t, err)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-b", "", "")
	assert.ErrorIs(t, err, storage.ErrLinkDeactivated)
}

func TestRedeemMagicLink_OneTimeSecondUseFails(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeOneTime, nil)
	require.NoError(t, err)

	sess, err := svc.RedeemMagicLink(ctx, link.Token, "device-a", "", "")
	require.NoError(t, err)

	// The first session stays valid after consumption.
	ok, _, err := svc.IsAuthorized(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-b", "", "")
	assert.ErrorIs(t, err, storage.ErrLinkDeactivated)
}

func TestRedeemMagicLink_ConcurrentOneTime(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeOneTime, nil)
	require.NoError(t, err)

	const redeemers = 16

	var wg sync.WaitGroup
	errs := make([]error, redeemers)
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RedeemMagicLink(ctx, link.Token, gofakeit.UUID(), "", "")
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, storage.ErrLinkDeactivated)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRedeemMagicLink_Expired(t *testing.T) {
	svc, reg, clock := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeOneTime, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Minute)

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-a", "", "")
	assert.ErrorIs(t, err, storage.ErrLinkExpired)
}

func TestRedeemMagicLink_UnknownToken(t *testing.T) {
	svc, _, _ := newTestTrust(defaultTestPolicy())

	_, err := svc.RedeemMagicLink(context.Background(), "no-such-token", "device-a", "", "")
	assert.ErrorIs(t, err, storage.ErrLinkNotFound)
}

func TestIssueMagicLink_UnknownProfile(t *testing.T) {
	svc, _, _ := newTestTrust(defaultTestPolicy())

	_, err := svc.IssueMagicLink(context.Background(), uuid.New(), models.LinkTypeStandard, nil)
	assert.ErrorIs(t, err, storage.ErrProfileNotFound)
}

func TestIssueMagicLink_InvalidType(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())

	profile := reg.addProfile(gofakeit.Username(), true)

	_, err := svc.IssueMagicLink(context.Background(), profile.ID, models.LinkType("weekly"), nil)
	assert.Error(t, err)
}

func TestDeactivateMagicLink_OwnerOnly(t *testing.T) {
	svc, reg, _ := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	owner := reg.addProfile(gofakeit.Username(), true)
	other := reg.addProfile(gofakeit.Username(), true)

	link, err := svc.IssueMagicLink(ctx, owner.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)

	err = svc.DeactivateMagicLink(ctx, link.ID, other.ID)
	assert.ErrorIs(t, err, storage.ErrForbidden)

	require.NoError(t, svc.DeactivateMagicLink(ctx, link.ID, owner.ID))
	// Deactivating again is a no-op, not an error.
	require.NoError(t, svc.DeactivateMagicLink(ctx, link.ID, owner.ID))

	_, err = svc.RedeemMagicLink(ctx, link.Token, "device-a", "", "")
	assert.ErrorIs(t, err, storage.ErrLinkDeactivated)
}

func TestListActiveMagicLinks_SkipsExpiredAndInactive(t *testing.T) {
	svc, reg, clock := newTestTrust(defaultTestPolicy())
	ctx := context.Background()

	profile := reg.addProfile(gofakeit.Username(), true)

	short, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeOneTime, nil)
	require.NoError(t, err)
	_, err = svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)
	dropped, err := svc.IssueMagicLink(ctx, profile.ID, models.LinkTypeStandard, nil)
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateMagicLink(ctx, dropped.ID, profile.ID))

	// Past the one_time TTL but inside the standard TTL.
	clock.Advance(2 * time.Hour)

	links, err := svc.ListActiveMagicLinks(ctx, profile.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.NotEqual(t, short.ID, links[0].ID)
	assert.NotEqual(t, dropped.ID, links[0].ID)
}
