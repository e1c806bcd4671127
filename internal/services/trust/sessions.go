package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/logger/sl"
	"devicetrust/internal/storage"
)

// startSession links the device to the profile and creates a fresh session,
// the shared tail of every successful authentication path.
func (t *Trust) startSession(ctx context.Context, profileID uuid.UUID, deviceID, ipAddress, userAgent string) (models.Session, error) {
	const op = "trust.startSession"

	now := t.now()

	transferred, err := t.devices.LinkDevice(ctx, deviceID, profileID, userAgent, ipAddress, now)
	if err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	action := models.AuditDeviceLinked
	if transferred {
		action = models.AuditDeviceTransferred
	}
	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &profileID,
		Action:    action,
		DeviceID:  &deviceID,
	})

	sess := models.Session{
		ID:             uuid.New(),
		DeviceID:       deviceID,
		ProfileID:      profileID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(t.policy.SessionTTL),
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
	}

	if err := t.sessions.SaveSession(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return sess, nil
}

// IsAuthorized is the single check every protected request depends on:
// the session exists, is unexpired, is not revoked, and its device is not
// revoked.
func (t *Trust) IsAuthorized(ctx context.Context, sessionID uuid.UUID) (bool, models.Session, error) {
	const op = "trust.IsAuthorized"

	sess, deviceRevoked, err := t.sessions.SessionAuthState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return false, models.Session{}, nil
		}
		return false, models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	if deviceRevoked || !sess.Usable(t.now()) {
		return false, models.Session{}, nil
	}

	return true, sess, nil
}

// TouchSession refreshes last_accessed_at. The expiry is never extended.
func (t *Trust) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	const op = "trust.TouchSession"

	if err := t.sessions.TouchSession(ctx, sessionID, t.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *Trust) ListSessions(ctx context.Context, profileID uuid.UUID) ([]models.Session, error) {
	const op = "trust.ListSessions"

	sessions, err := t.sessions.SessionsByProfile(ctx, profileID, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sessions, nil
}

func (t *Trust) ListRevokedSessions(ctx context.Context, profileID uuid.UUID) ([]models.Session, error) {
	const op = "trust.ListRevokedSessions"

	sessions, err := t.sessions.SessionsByProfile(ctx, profileID, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sessions, nil
}

func (t *Trust) RevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID) error {
	const op = "trust.RevokeSession"

	log := t.log.With(
		slog.String("op", op),
		slog.String("session_id", sessionID.String()),
	)

	if err := t.sessions.RevokeSession(ctx, sessionID, callerProfileID, t.now()); err != nil {
		log.Warn("session revoke failed", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &callerProfileID,
		Action:    models.AuditSessionRevoked,
		SessionID: &sessionID,
	})

	log.Info("session revoked")

	return nil
}

// SessionRevokeFailure reports one session that could not be revoked during
// a batch operation.
type SessionRevokeFailure struct {
	SessionID uuid.UUID
	Err       error
}

// RevokeAllOtherSessions revokes every non-current active session owned by
// the profile. The batch is not atomic: each failure is reported
// per-session so the caller can tell the user how many succeeded.
func (t *Trust) RevokeAllOtherSessions(ctx context.Context, callerProfileID, currentSessionID uuid.UUID) (int, []SessionRevokeFailure, error) {
	const op = "trust.RevokeAllOtherSessions"

	log := t.log.With(
		slog.String("op", op),
		slog.String("profile_id", callerProfileID.String()),
	)

	sessions, err := t.sessions.SessionsByProfile(ctx, callerProfileID, false)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	now := t.now()

	var revoked int
	var failures []SessionRevokeFailure
	for _, sess := range sessions {
		if sess.ID == currentSessionID || !sess.Usable(now) {
			continue
		}
		if err := t.sessions.RevokeSession(ctx, sess.ID, callerProfileID, now); err != nil {
			failures = append(failures, SessionRevokeFailure{SessionID: sess.ID, Err: err})
			continue
		}
		revoked++
		sessID := sess.ID
		t.recordAudit(ctx, models.AuditEntry{
			ProfileID: &callerProfileID,
			Action:    models.AuditSessionRevoked,
			SessionID: &sessID,
		})
	}

	log.Info("revoked other sessions",
		slog.Int("revoked", revoked),
		slog.Int("failed", len(failures)),
	)

	return revoked, failures, nil
}

// UnrevokeSession restores a session if and only if its original expiry has
// not passed; revocation never extends a session's life.
func (t *Trust) UnrevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID) error {
	const op = "trust.UnrevokeSession"

	if err := t.sessions.UnrevokeSession(ctx, sessionID, callerProfileID, t.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	t.recordAudit(ctx, models.AuditEntry{
		ProfileID: &callerProfileID,
		Action:    models.AuditSessionUnrevoked,
		SessionID: &sessionID,
	})

	return nil
}

// recordAudit is best-effort: an audit write failure is logged, never
// surfaced to the caller.
func (t *Trust) recordAudit(ctx context.Context, entry models.AuditEntry) {
	if t.audit == nil {
		return
	}
	entry.CreatedAt = t.now()
	if err := t.audit.RecordAudit(ctx, entry); err != nil {
		t.log.Error("audit write failed", sl.Err(err), slog.String("action", entry.Action))
	}
}
