package trust

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
)

// Trust owns the device and session trust boundary: issuing and redeeming
// credentials, registering the resulting trust, and revoking it again.
type Trust struct {
	log *slog.Logger

	profiles  ProfileProvider
	devices   DeviceStorage
	sessions  SessionStorage
	links     MagicLinkStorage
	pins      PairingPinStorage
	loginPins LoginPinStorage
	audit     AuditRecorder

	policy Policy
	now    func() time.Time
}

// Policy carries every tunable the service needs; values come from config.
type Policy struct {
	SessionTTL time.Duration

	StandardLinkTTL   time.Duration
	ExtendedLinkTTL   time.Duration
	OneTimeLinkTTL    time.Duration
	SingleUseAllLinks bool

	PairingCodeWidth       int
	PairingDefaultDuration time.Duration
	PairingMaxDuration     time.Duration

	LoginPinMinLen        int
	LoginPinMaxLen        int
	LoginPinMaxFailures   int
	LoginPinLockoutWindow time.Duration
}

// ProfileProvider is the external profile service this core consumes.
type ProfileProvider interface {
	ProfileByID(ctx context.Context, profileID uuid.UUID) (models.Profile, error)
	ProfileByHandle(ctx context.Context, handle string) (models.Profile, error)
}

type DeviceStorage interface {
	DeviceByID(ctx context.Context, deviceID string) (models.Device, error)
	// TouchDevice upserts last_seen_at/request_count/user_agent/ip in a
	// single atomic statement. It never changes the profile link or the
	// revocation state.
	TouchDevice(ctx context.Context, deviceID, userAgent, ipAddress string, now time.Time) error
	// LinkDevice binds the device to the profile, creating the record if
	// new. Reports whether an existing link to a different profile was
	// transferred.
	LinkDevice(ctx context.Context, deviceID string, profileID uuid.UUID, userAgent, ipAddress string, now time.Time) (transferred bool, err error)
	DevicesByProfile(ctx context.Context, profileID uuid.UUID) ([]models.Device, error)
	// SetDeviceRevoked flips is_revoked after verifying ownership. Revoking
	// cascades to every not-yet-revoked session of the device in the same
	// transaction; unrevoking touches no sessions.
	SetDeviceRevoked(ctx context.Context, deviceID string, callerProfileID uuid.UUID, revoked bool, now time.Time) error
	ClearDeviceSuspicious(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error
}

type SessionStorage interface {
	SaveSession(ctx context.Context, sess models.Session) error
	SessionByID(ctx context.Context, sessionID uuid.UUID) (models.Session, error)
	// SessionAuthState returns the session together with its owning
	// device's revocation flag, read in one query.
	SessionAuthState(ctx context.Context, sessionID uuid.UUID) (models.Session, bool, error)
	TouchSession(ctx context.Context, sessionID uuid.UUID, now time.Time) error
	SessionsByProfile(ctx context.Context, profileID uuid.UUID, revoked bool) ([]models.Session, error)
	RevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error
	// UnrevokeSession restores a revoked session only while its original
	// expiry has not passed.
	UnrevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error
}

type MagicLinkStorage interface {
	SaveMagicLink(ctx context.Context, link models.MagicLink) (int64, error)
	MagicLinkByToken(ctx context.Context, token string) (models.MagicLink, error)
	// ConsumeMagicLink deactivates the link only if it is still active at
	// commit time; of two racing redeemers exactly one succeeds.
	ConsumeMagicLink(ctx context.Context, token string, now time.Time) error
	DeactivateMagicLink(ctx context.Context, linkID int64, callerProfileID uuid.UUID) error
	ActiveMagicLinks(ctx context.Context, profileID uuid.UUID, now time.Time) ([]models.MagicLink, error)
}

type PairingPinStorage interface {
	// SavePairingPin stores a fresh PIN and supersedes the profile's
	// previous unconsumed one in the same transaction. Fails with
	// ErrPinCollision if the code is active for any profile.
	SavePairingPin(ctx context.Context, pin models.PairingPin) (int64, error)
	// ConsumePairingPin marks the PIN consumed only if it is unconsumed
	// and unexpired at commit time.
	ConsumePairingPin(ctx context.Context, pinCode string, now time.Time) (models.PairingPin, error)
	CancelPairingPins(ctx context.Context, profileID uuid.UUID) (int64, error)
	SweepExpiredPairingPins(ctx context.Context, now time.Time) (int64, error)
}

type LoginPinStorage interface {
	LoginPin(ctx context.Context, profileID uuid.UUID) (models.PersonalLoginPin, error)
	SaveLoginPin(ctx context.Context, profileID uuid.UUID, pinHash []byte, now time.Time) error
	// RecordLoginPinFailure increments the failure counter and arms the
	// lockout once maxFailures is reached.
	RecordLoginPinFailure(ctx context.Context, profileID uuid.UUID, maxFailures int, lockUntil time.Time) error
	ResetLoginPinFailures(ctx context.Context, profileID uuid.UUID) error
}

type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry models.AuditEntry) error
	AuditByProfile(ctx context.Context, profileID uuid.UUID, limit int) ([]models.AuditEntry, error)
}

func New(
	log *slog.Logger,
	profiles ProfileProvider,
	devices DeviceStorage,
	sessions SessionStorage,
	links MagicLinkStorage,
	pins PairingPinStorage,
	loginPins LoginPinStorage,
	audit AuditRecorder,
	policy Policy,
) *Trust {
	return &Trust{
		log:       log,
		profiles:  profiles,
		devices:   devices,
		sessions:  sessions,
		links:     links,
		pins:      pins,
		loginPins: loginPins,
		audit:     audit,
		policy:    policy,
		now:       time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (t *Trust) WithClock(now func() time.Time) *Trust {
	t.now = now
	return t
}
