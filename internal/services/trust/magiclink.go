package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/logger/sl"
	"devicetrust/internal/lib/random"
	"devicetrust/internal/storage"
)

// magicLinkTokenBytes gives 256 bits of entropy per token, well past the
// 128-bit floor needed to make guessing infeasible within the lifetime.
const magicLinkTokenBytes = 32

// IssueMagicLink mints a new time-boxed link for the profile. Prior links
// stay active.
func (t *Trust) IssueMagicLink(ctx context.Context, profileID uuid.UUID, linkType models.LinkType, email *string) (models.MagicLink, error) {
	const op = "trust.IssueMagicLink"

	log := t.log.With(
		slog.String("op", op),
		slog.String("profile_id", profileID.String()),
		slog.String("link_type", string(linkType)),
	)

	if !linkType.Valid() {
		return models.MagicLink{}, fmt.Errorf("%s: unknown link type %q", op, linkType)
	}

	if _, err := t.profiles.ProfileByID(ctx, profileID); err != nil {
		log.Warn("issuer profile not found", sl.Err(err))
		return models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}

	token, err := random.Token(magicLinkTokenBytes)
	if err != nil {
		log.Error("token generation failed", sl.Err(err))
		return models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}

	now := t.now()
	link := models.MagicLink{
		Token:     token,
		ProfileID: profileID,
		LinkType:  linkType,
		CreatedAt: now,
		ExpiresAt: now.Add(t.linkTTL(linkType)),
		Email:     email,
		IsActive:  true,
	}

	id, err := t.links.SaveMagicLink(ctx, link)
	if err != nil {
		log.Error("failed to save magic link", sl.Err(err))
		return models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}
	link.ID = id

	log.Info("magic link issued", slog.Time("expires_at", link.ExpiresAt))

	return link, nil
}

// RedeemMagicLink exchanges a valid token for a session on the requesting
// device, linking the device to the issuing profile. For single-use link
// types the consumption is atomic: of two racing redeemers exactly one gets
// a session, the other sees ErrLinkDeactivated.
func (t *Trust) RedeemMagicLink(ctx context.Context, token, deviceID, ipAddress, userAgent string) (models.Session, error) {
	const op = "trust.RedeemMagicLink"

	log := t.log.With(
		slog.String("op", op),
		slog.String("device_id", deviceID),
	)

	link, err := t.links.MagicLinkByToken(ctx, token)
	if err != nil {
		log.Warn("magic link lookup failed", sl.Err(err))
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if !link.IsActive {
		return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrLinkDeactivated)
	}
	if !t.now().Before(link.ExpiresAt) {
		return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrLinkExpired)
	}

	if t.singleUse(link.LinkType) {
		if err := t.links.ConsumeMagicLink(ctx, token, t.now()); err != nil {
			log.Warn("magic link consume lost", sl.Err(err))
			return models.Session{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	sess, err := t.startSession(ctx, link.ProfileID, deviceID, ipAddress, userAgent)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("magic link redeemed", slog.String("profile_id", link.ProfileID.String()))

	return sess, nil
}

// DeactivateMagicLink disables a link ahead of its expiry. Only the issuing
// profile may do so; deactivating an already-inactive link succeeds.
func (t *Trust) DeactivateMagicLink(ctx context.Context, linkID int64, callerProfileID uuid.UUID) error {
	const op = "trust.DeactivateMagicLink"

	if err := t.links.DeactivateMagicLink(ctx, linkID, callerProfileID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &callerProfileID,
		Action:    models.AuditMagicLinkDeactivated,
	})

	return nil
}

// ListActiveMagicLinks returns the profile's active, unexpired links,
// newest first.
func (t *Trust) ListActiveMagicLinks(ctx context.Context, profileID uuid.UUID) ([]models.MagicLink, error) {
	const op = "trust.ListActiveMagicLinks"

	links, err := t.links.ActiveMagicLinks(ctx, profileID, t.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return links, nil
}

func (t *Trust) linkTTL(linkType models.LinkType) time.Duration {
	switch linkType {
	case models.LinkTypeExtended:
		return t.policy.ExtendedLinkTTL
	case models.LinkTypeOneTime:
		return t.policy.OneTimeLinkTTL
	default:
		return t.policy.StandardLinkTTL
	}
}

// singleUse resolves the reuse policy: one_time links are always one-shot,
// the rest follow configuration.
func (t *Trust) singleUse(linkType models.LinkType) bool {
	return linkType == models.LinkTypeOneTime || t.policy.SingleUseAllLinks
}
