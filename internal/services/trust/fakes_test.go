package trust

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/storage"
)

// fakeRegistry is an in-memory stand-in for the sql backends, mirroring
// their semantics including the conditional-update behaviors the service
// relies on. All methods are safe for concurrent use.
type fakeRegistry struct {
	mu sync.Mutex

	profiles  map[uuid.UUID]models.Profile
	devices   map[string]models.Device
	sessions  map[uuid.UUID]models.Session
	links     map[int64]models.MagicLink
	linkSeq   int64
	pins      map[int64]models.PairingPin
	pinSeq    int64
	loginPins map[uuid.UUID]models.PersonalLoginPin
	audit     []models.AuditEntry
	auditSeq  int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		profiles:  make(map[uuid.UUID]models.Profile),
		devices:   make(map[string]models.Device),
		sessions:  make(map[uuid.UUID]models.Session),
		links:     make(map[int64]models.MagicLink),
		pins:      make(map[int64]models.PairingPin),
		loginPins: make(map[uuid.UUID]models.PersonalLoginPin),
	}
}

func (f *fakeRegistry) addProfile(handle string, pairingEnabled bool) models.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := models.Profile{ID: uuid.New(), Handle: handle, PairingEnabled: pairingEnabled}
	f.profiles[p.ID] = p
	return p
}

/*
====================
Profiles
====================
*/

func (f *fakeRegistry) ProfileByID(_ context.Context, profileID uuid.UUID) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.profiles[profileID]
	if !ok {
		return models.Profile{}, storage.ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeRegistry) ProfileByHandle(_ context.Context, handle string) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.profiles {
		if strings.EqualFold(p.Handle, handle) {
			return p, nil
		}
	}
	return models.Profile{}, storage.ErrProfileNotFound
}

/*
====================
Devices
====================
*/

func (f *fakeRegistry) DeviceByID(_ context.Context, deviceID string) (models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[deviceID]
	if !ok {
		return models.Device{}, storage.ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeRegistry) TouchDevice(_ context.Context, deviceID, userAgent, ipAddress string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[deviceID]
	if !ok {
		f.devices[deviceID] = models.Device{
			ID:           deviceID,
			UserAgent:    userAgent,
			IPAddress:    ipAddress,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			RequestCount: 1,
		}
		return nil
	}

	d.LastSeenAt = now
	d.RequestCount++
	d.UserAgent = userAgent
	d.IPAddress = ipAddress
	f.devices[deviceID] = d
	return nil
}

func (f *fakeRegistry) LinkDevice(_ context.Context, deviceID string, profileID uuid.UUID, userAgent, ipAddress string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[deviceID]
	if !ok {
		pid := profileID
		f.devices[deviceID] = models.Device{
			ID:           deviceID,
			ProfileID:    &pid,
			UserAgent:    userAgent,
			IPAddress:    ipAddress,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			RequestCount: 1,
		}
		return false, nil
	}

	transferred := d.ProfileID != nil && *d.ProfileID != profileID

	pid := profileID
	d.ProfileID = &pid
	d.UserAgent = userAgent
	d.IPAddress = ipAddress
	d.LastSeenAt = now
	f.devices[deviceID] = d

	return transferred, nil
}

func (f *fakeRegistry) DevicesByProfile(_ context.Context, profileID uuid.UUID) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Device
	for _, d := range f.devices {
		if d.ProfileID != nil && *d.ProfileID == profileID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (f *fakeRegistry) SetDeviceRevoked(_ context.Context, deviceID string, callerProfileID uuid.UUID, revoked bool, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[deviceID]
	if !ok {
		return storage.ErrDeviceNotFound
	}
	if d.ProfileID == nil || *d.ProfileID != callerProfileID {
		return storage.ErrForbidden
	}

	d.IsRevoked = revoked
	f.devices[deviceID] = d

	if revoked {
		for id, sess := range f.sessions {
			if sess.DeviceID == deviceID && !sess.IsRevoked {
				sess.IsRevoked = true
				at := now
				sess.RevokedAt = &at
				f.sessions[id] = sess
			}
		}
	}

	return nil
}

func (f *fakeRegistry) ClearDeviceSuspicious(_ context.Context, deviceID string, callerProfileID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.devices[deviceID]
	if !ok {
		return storage.ErrDeviceNotFound
	}
	if d.ProfileID == nil || *d.ProfileID != callerProfileID {
		return storage.ErrForbidden
	}

	d.IsSuspicious = false
	f.devices[deviceID] = d
	return nil
}

/*
====================
Sessions
====================
*/

func (f *fakeRegistry) SaveSession(_ context.Context, sess models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeRegistry) SessionByID(_ context.Context, sessionID uuid.UUID) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return models.Session{}, storage.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeRegistry) SessionAuthState(_ context.Context, sessionID uuid.UUID) (models.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return models.Session{}, false, storage.ErrSessionNotFound
	}
	d, ok := f.devices[sess.DeviceID]
	if !ok {
		return models.Session{}, false, storage.ErrSessionNotFound
	}
	return sess, d.IsRevoked, nil
}

func (f *fakeRegistry) TouchSession(_ context.Context, sessionID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	sess.LastAccessedAt = now
	f.sessions[sessionID] = sess
	return nil
}

func (f *fakeRegistry) SessionsByProfile(_ context.Context, profileID uuid.UUID, revoked bool) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Session
	for _, sess := range f.sessions {
		if sess.ProfileID == profileID && sess.IsRevoked == revoked {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRegistry) RevokeSession(_ context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if sess.ProfileID != callerProfileID {
		return storage.ErrForbidden
	}
	if sess.IsRevoked {
		// Already revoked: treated as success, same as the sql backends.
		return nil
	}

	sess.IsRevoked = true
	at := now
	sess.RevokedAt = &at
	f.sessions[sessionID] = sess
	return nil
}

func (f *fakeRegistry) UnrevokeSession(_ context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		return storage.ErrSessionNotFound
	}
	if sess.ProfileID != callerProfileID {
		return storage.ErrForbidden
	}
	if !sess.IsRevoked {
		return nil
	}
	if !now.Before(sess.ExpiresAt) {
		return storage.ErrSessionExpired
	}

	sess.IsRevoked = false
	sess.RevokedAt = nil
	f.sessions[sessionID] = sess
	return nil
}

/*
====================
Magic links
====================
*/

func (f *fakeRegistry) SaveMagicLink(_ context.Context, link models.MagicLink) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.linkSeq++
	link.ID = f.linkSeq
	f.links[link.ID] = link
	return link.ID, nil
}

func (f *fakeRegistry) MagicLinkByToken(_ context.Context, token string) (models.MagicLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, link := range f.links {
		if link.Token == token {
			return link, nil
		}
	}
	return models.MagicLink{}, storage.ErrLinkNotFound
}

func (f *fakeRegistry) ConsumeMagicLink(_ context.Context, token string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, link := range f.links {
		if link.Token != token {
			continue
		}
		if !link.IsActive {
			return storage.ErrLinkDeactivated
		}
		if !now.Before(link.ExpiresAt) {
			return storage.ErrLinkExpired
		}
		link.IsActive = false
		f.links[id] = link
		return nil
	}
	return storage.ErrLinkNotFound
}

func (f *fakeRegistry) DeactivateMagicLink(_ context.Context, linkID int64, callerProfileID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	link, ok := f.links[linkID]
	if !ok {
		return storage.ErrLinkNotFound
	}
	if link.ProfileID != callerProfileID {
		return storage.ErrForbidden
	}

	link.IsActive = false
	f.links[linkID] = link
	return nil
}

func (f *fakeRegistry) ActiveMagicLinks(_ context.Context, profileID uuid.UUID, now time.Time) ([]models.MagicLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.MagicLink
	for _, link := range f.links {
		if link.ProfileID == profileID && link.IsActive && now.Before(link.ExpiresAt) {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

/*
====================
Pairing pins
====================
*/

func (f *fakeRegistry) SavePairingPin(_ context.Context, pin models.PairingPin) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.pins {
		if existing.PinCode == pin.PinCode && !existing.IsConsumed && pin.CreatedAt.Before(existing.ExpiresAt) {
			return 0, storage.ErrPinCollision
		}
	}

	for id, existing := range f.pins {
		if existing.ProfileID == pin.ProfileID && !existing.IsConsumed {
			existing.IsConsumed = true
			f.pins[id] = existing
		}
	}

	f.pinSeq++
	pin.ID = f.pinSeq
	f.pins[pin.ID] = pin
	return pin.ID, nil
}

func (f *fakeRegistry) ConsumePairingPin(_ context.Context, pinCode string, now time.Time) (models.PairingPin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		found models.PairingPin
		ok    bool
		seen  bool
	)
	for _, pin := range f.pins {
		if pin.PinCode != pinCode {
			continue
		}
		seen = true
		if pin.IsConsumed {
			continue
		}
		if !ok || pin.CreatedAt.After(found.CreatedAt) {
			found = pin
			ok = true
		}
	}
	if !ok {
		if seen {
			return models.PairingPin{}, storage.ErrPinConsumed
		}
		return models.PairingPin{}, storage.ErrPinNotFound
	}

	if !now.Before(found.ExpiresAt) {
		return models.PairingPin{}, storage.ErrPinExpired
	}

	found.IsConsumed = true
	f.pins[found.ID] = found
	return found, nil
}

func (f *fakeRegistry) CancelPairingPins(_ context.Context, profileID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for id, pin := range f.pins {
		if pin.ProfileID == profileID && !pin.IsConsumed {
			pin.IsConsumed = true
			f.pins[id] = pin
			n++
		}
	}
	return n, nil
}

func (f *fakeRegistry) SweepExpiredPairingPins(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for id, pin := range f.pins {
		if !pin.IsConsumed && !now.Before(pin.ExpiresAt) {
			pin.IsConsumed = true
			f.pins[id] = pin
			n++
		}
	}
	return n, nil
}

/*
====================
Personal login pins
====================
*/

func (f *fakeRegistry) LoginPin(_ context.Context, profileID uuid.UUID) (models.PersonalLoginPin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.loginPins[profileID]
	if !ok {
		return models.PersonalLoginPin{}, storage.ErrLoginPinNotSet
	}
	return rec, nil
}

func (f *fakeRegistry) SaveLoginPin(_ context.Context, profileID uuid.UUID, pinHash []byte, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loginPins[profileID] = models.PersonalLoginPin{
		ProfileID: profileID,
		PinHash:   pinHash,
		UpdatedAt: now,
	}
	return nil
}

func (f *fakeRegistry) RecordLoginPinFailure(_ context.Context, profileID uuid.UUID, maxFailures int, lockUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.loginPins[profileID]
	if !ok {
		return nil
	}

	rec.FailedAttempts++
	if rec.FailedAttempts >= maxFailures {
		until := lockUntil
		rec.LockedUntil = &until
	}
	f.loginPins[profileID] = rec
	return nil
}

func (f *fakeRegistry) ResetLoginPinFailures(_ context.Context, profileID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.loginPins[profileID]
	if !ok {
		return nil
	}

	rec.FailedAttempts = 0
	rec.LockedUntil = nil
	f.loginPins[profileID] = rec
	return nil
}

/*
====================
Audit log
====================
*/

func (f *fakeRegistry) RecordAudit(_ context.Context, entry models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.auditSeq++
	entry.ID = f.auditSeq
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeRegistry) AuditByProfile(_ context.Context, profileID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.AuditEntry
	for i := len(f.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := f.audit[i]
		if e.ProfileID != nil && *e.ProfileID == profileID {
			out = append(out, e)
		}
	}
	return out, nil
}

/*
====================
Test wiring
====================
*/

func defaultTestPolicy() Policy {
	return Policy{
		SessionTTL: 720 * time.Hour,

		StandardLinkTTL: 168 * time.Hour,
		ExtendedLinkTTL: 168 * time.Hour,
		OneTimeLinkTTL:  time.Hour,

		PairingCodeWidth:       6,
		PairingDefaultDuration: 10 * time.Minute,
		PairingMaxDuration:     time.Hour,

		LoginPinMinLen:        4,
		LoginPinMaxLen:        8,
		LoginPinMaxFailures:   5,
		LoginPinLockoutWindow: 15 * time.Minute,
	}
}

// testClock is a settable time source shared between the service under
// test and assertions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTrust(policy Policy) (*Trust, *fakeRegistry, *testClock) {
	reg := newFakeRegistry()
	clock := newTestClock()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(log, reg, reg, reg, reg, reg, reg, reg, policy).WithClock(clock.Now)

	return svc, reg, clock
}
