package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/storage"
)

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(storagePath string, log *slog.Logger) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		db:  db,
		log: log,
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

/*
====================
Profiles
====================
*/

func (s *Storage) SaveProfile(ctx context.Context, p models.Profile) error {
	const op = "storage.sqlite.SaveProfile"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles(id, handle, pairing_enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle,
			pairing_enabled = excluded.pairing_enabled
	`, p.ID, p.Handle, boolToInt(p.PairingEnabled))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ProfileByID(ctx context.Context, profileID uuid.UUID) (models.Profile, error) {
	const op = "storage.sqlite.ProfileByID"

	var p models.Profile
	var pairing int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, pairing_enabled
		FROM profiles
		WHERE id = ?
	`, profileID).Scan(&p.ID, &p.Handle, &pairing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fmt.Errorf("%s: %w", op, storage.ErrProfileNotFound)
		}
		return models.Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	p.PairingEnabled = pairing != 0

	return p, nil
}

func (s *Storage) ProfileByHandle(ctx context.Context, handle string) (models.Profile, error) {
	const op = "storage.sqlite.ProfileByHandle"

	var p models.Profile
	var pairing int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, pairing_enabled
		FROM profiles
		WHERE handle = ? COLLATE NOCASE
	`, handle).Scan(&p.ID, &p.Handle, &pairing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fmt.Errorf("%s: %w", op, storage.ErrProfileNotFound)
		}
		return models.Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	p.PairingEnabled = pairing != 0

	return p, nil
}

/*
====================
Devices
====================
*/

func (s *Storage) DeviceByID(ctx context.Context, deviceID string) (models.Device, error) {
	const op = "storage.sqlite.DeviceByID"

	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, profile_id, user_agent, ip_address,
		       first_seen_at, last_seen_at, request_count, is_revoked, is_suspicious
		FROM devices
		WHERE device_id = ?
	`, deviceID)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, fmt.Errorf("%s: %w", op, storage.ErrDeviceNotFound)
		}
		return models.Device{}, fmt.Errorf("%s: %w", op, err)
	}

	return d, nil
}

// TouchDevice upserts activity bookkeeping in one statement so a touch
// racing a revoke can never flip revocation state back.
func (s *Storage) TouchDevice(ctx context.Context, deviceID, userAgent, ipAddress string, now time.Time) error {
	const op = "storage.sqlite.TouchDevice"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices(device_id, user_agent, ip_address, first_seen_at, last_seen_at, request_count, is_revoked, is_suspicious)
		VALUES (?, ?, ?, ?, ?, 1, 0, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			request_count = devices.request_count + 1,
			user_agent = excluded.user_agent,
			ip_address = excluded.ip_address
	`, deviceID, userAgent, ipAddress, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) LinkDevice(ctx context.Context, deviceID string, profileID uuid.UUID, userAgent, ipAddress string, now time.Time) (bool, error) {
	const op = "storage.sqlite.LinkDevice"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT profile_id FROM devices WHERE device_id = ?
	`, deviceID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	// Upsert so a racing create of the same device id folds into an
	// update instead of a unique violation.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices(device_id, profile_id, user_agent, ip_address, first_seen_at, last_seen_at, request_count, is_revoked, is_suspicious)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			user_agent = excluded.user_agent,
			ip_address = excluded.ip_address,
			last_seen_at = excluded.last_seen_at
	`, deviceID, profileID, userAgent, ipAddress, now.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	transferred := prev.Valid && prev.String != profileID.String()

	return transferred, nil
}

func (s *Storage) DevicesByProfile(ctx context.Context, profileID uuid.UUID) ([]models.Device, error) {
	const op = "storage.sqlite.DevicesByProfile"

	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, profile_id, user_agent, ip_address,
		       first_seen_at, last_seen_at, request_count, is_revoked, is_suspicious
		FROM devices
		WHERE profile_id = ?
		ORDER BY last_seen_at DESC
	`, profileID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return devices, nil
}

// SetDeviceRevoked flips the device flag and, when revoking, cascades to
// every not-yet-revoked session of the device inside the same transaction.
func (s *Storage) SetDeviceRevoked(ctx context.Context, deviceID string, callerProfileID uuid.UUID, revoked bool, now time.Time) error {
	const op = "storage.sqlite.SetDeviceRevoked"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT profile_id FROM devices WHERE device_id = ?
	`, deviceID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrDeviceNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if !owner.Valid || owner.String != callerProfileID.String() {
		return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices SET is_revoked = ? WHERE device_id = ?
	`, boolToInt(revoked), deviceID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if revoked {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET is_revoked = 1, revoked_at = ?
			WHERE device_id = ? AND is_revoked = 0
		`, now.Unix(), deviceID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ClearDeviceSuspicious(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error {
	const op = "storage.sqlite.ClearDeviceSuspicious"

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET is_suspicious = 0
		WHERE device_id = ? AND profile_id = ?
	`, deviceID, callerProfileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Distinguish a missing device from someone else's device.
		if _, err := s.DeviceByID(ctx, deviceID); err != nil {
			return fmt.Errorf("%s: %w", op, storage.ErrDeviceNotFound)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
	}

	return nil
}

/*
====================
Sessions
====================
*/

func (s *Storage) SaveSession(ctx context.Context, sess models.Session) error {
	const op = "storage.sqlite.SaveSession"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, device_id, profile_id, created_at, last_accessed_at, expires_at, is_revoked, revoked_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
	`, sess.ID, sess.DeviceID, sess.ProfileID,
		sess.CreatedAt.Unix(), sess.LastAccessedAt.Unix(), sess.ExpiresAt.Unix(),
		sess.IPAddress, sess.UserAgent)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: session id collision: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) SessionByID(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	const op = "storage.sqlite.SessionByID"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, profile_id, created_at, last_accessed_at, expires_at,
		       is_revoked, revoked_at, ip_address, user_agent
		FROM sessions
		WHERE id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, fmt.Errorf("%s: %w", op, err)
	}

	return sess, nil
}

func (s *Storage) SessionAuthState(ctx context.Context, sessionID uuid.UUID) (models.Session, bool, error) {
	const op = "storage.sqlite.SessionAuthState"

	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.device_id, s.profile_id, s.created_at, s.last_accessed_at, s.expires_at,
		       s.is_revoked, s.revoked_at, s.ip_address, s.user_agent, d.is_revoked
		FROM sessions s
		JOIN devices d ON d.device_id = s.device_id
		WHERE s.id = ?
	`, sessionID)

	var (
		sess          models.Session
		createdAt     int64
		lastAccessed  int64
		expiresAt     int64
		isRevoked     int
		revokedAt     sql.NullInt64
		deviceRevoked int
	)
	err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.ProfileID,
		&createdAt, &lastAccessed, &expiresAt,
		&isRevoked, &revokedAt, &sess.IPAddress, &sess.UserAgent,
		&deviceRevoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, false, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, false, fmt.Errorf("%s: %w", op, err)
	}

	fillSessionTimes(&sess, createdAt, lastAccessed, expiresAt, isRevoked, revokedAt)

	return sess, deviceRevoked != 0, nil
}

func (s *Storage) TouchSession(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	const op = "storage.sqlite.TouchSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_accessed_at = ? WHERE id = ?
	`, now.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	return nil
}

func (s *Storage) SessionsByProfile(ctx context.Context, profileID uuid.UUID, revoked bool) ([]models.Session, error) {
	const op = "storage.sqlite.SessionsByProfile"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, profile_id, created_at, last_accessed_at, expires_at,
		       is_revoked, revoked_at, ip_address, user_agent
		FROM sessions
		WHERE profile_id = ? AND is_revoked = ?
		ORDER BY created_at DESC
	`, profileID, boolToInt(revoked))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sessions, nil
}

func (s *Storage) RevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error {
	const op = "storage.sqlite.RevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = 1, revoked_at = ?
		WHERE id = ? AND profile_id = ? AND is_revoked = 0
	`, now.Unix(), sessionID, callerProfileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		sess, err := s.SessionByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		if sess.ProfileID != callerProfileID {
			return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
		}
		// Already revoked: treated as success.
	}

	return nil
}

// UnrevokeSession restores a session only while its original expiry has
// not passed; the guard lives in the WHERE clause so the check and the
// write are one atomic statement.
func (s *Storage) UnrevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error {
	const op = "storage.sqlite.UnrevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = 0, revoked_at = NULL
		WHERE id = ? AND profile_id = ? AND is_revoked = 1 AND expires_at > ?
	`, sessionID, callerProfileID, now.Unix())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		sess, err := s.SessionByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		if sess.ProfileID != callerProfileID {
			return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
		}
		if !now.Before(sess.ExpiresAt) {
			return fmt.Errorf("%s: %w", op, storage.ErrSessionExpired)
		}
		// Not revoked in the first place: treated as success.
	}

	return nil
}

/*
====================
Magic links
====================
*/

func (s *Storage) SaveMagicLink(ctx context.Context, link models.MagicLink) (int64, error) {
	const op = "storage.sqlite.SaveMagicLink"

	var email sql.NullString
	if link.Email != nil {
		email = sql.NullString{String: *link.Email, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links(token, profile_id, link_type, created_at, expires_at, email, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, link.Token, link.ProfileID, string(link.LinkType),
		link.CreatedAt.Unix(), link.ExpiresAt.Unix(), email)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: token collision: %w", op, err)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) MagicLinkByToken(ctx context.Context, token string) (models.MagicLink, error) {
	const op = "storage.sqlite.MagicLinkByToken"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, profile_id, link_type, created_at, expires_at, email, is_active
		FROM magic_links
		WHERE token = ?
	`, token)

	link, err := scanMagicLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MagicLink{}, fmt.Errorf("%s: %w", op, storage.ErrLinkNotFound)
		}
		return models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}

	return link, nil
}

// ConsumeMagicLink is the single-use critical section: the conditional
// update commits for exactly one of any number of concurrent redeemers.
func (s *Storage) ConsumeMagicLink(ctx context.Context, token string, now time.Time) error {
	const op = "storage.sqlite.ConsumeMagicLink"

	res, err := s.db.ExecContext(ctx, `
		UPDATE magic_links
		SET is_active = 0
		WHERE token = ? AND is_active = 1 AND expires_at > ?
	`, token, now.Unix())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		link, err := s.MagicLinkByToken(ctx, token)
		if err != nil {
			return fmt.Errorf("%s: %w", op, storage.ErrLinkNotFound)
		}
		if !now.Before(link.ExpiresAt) {
			return fmt.Errorf("%s: %w", op, storage.ErrLinkExpired)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrLinkDeactivated)
	}

	return nil
}

// DeactivateMagicLink is idempotent: deactivating an inactive link owned by
// the caller succeeds without error.
func (s *Storage) DeactivateMagicLink(ctx context.Context, linkID int64, callerProfileID uuid.UUID) error {
	const op = "storage.sqlite.DeactivateMagicLink"

	var owner uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id FROM magic_links WHERE id = ?
	`, linkID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrLinkNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if owner != callerProfileID {
		return fmt.Errorf("%s: %w", op, storage.ErrForbidden)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE magic_links SET is_active = 0 WHERE id = ?
	`, linkID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ActiveMagicLinks(ctx context.Context, profileID uuid.UUID, now time.Time) ([]models.MagicLink, error) {
	const op = "storage.sqlite.ActiveMagicLinks"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, profile_id, link_type, created_at, expires_at, email, is_active
		FROM magic_links
		WHERE profile_id = ? AND is_active = 1 AND expires_at > ?
		ORDER BY created_at DESC
	`, profileID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var links []models.MagicLink
	for rows.Next() {
		link, err := scanMagicLink(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return links, nil
}

/*
====================
Pairing pins
====================
*/

// SavePairingPin supersedes the profile's previous unconsumed PIN and
// rejects codes that are still active for any profile, all in one
// transaction.
func (s *Storage) SavePairingPin(ctx context.Context, pin models.PairingPin) (int64, error) {
	const op = "storage.sqlite.SavePairingPin"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM pairing_pins
		WHERE pin_code = ? AND is_consumed = 0 AND expires_at > ?
		LIMIT 1
	`, pin.PinCode, pin.CreatedAt.Unix()).Scan(&exists)
	if err == nil {
		return 0, fmt.Errorf("%s: %w", op, storage.ErrPinCollision)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = 1
		WHERE profile_id = ? AND is_consumed = 0
	`, pin.ProfileID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pairing_pins(pin_code, profile_id, created_at, expires_at, is_consumed)
		VALUES (?, ?, ?, ?, 0)
	`, pin.PinCode, pin.ProfileID, pin.CreatedAt.Unix(), pin.ExpiresAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) ConsumePairingPin(ctx context.Context, pinCode string, now time.Time) (models.PairingPin, error) {
	const op = "storage.sqlite.ConsumePairingPin"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		pin       models.PairingPin
		createdAt int64
		expiresAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, pin_code, profile_id, created_at, expires_at
		FROM pairing_pins
		WHERE pin_code = ? AND is_consumed = 0
		ORDER BY created_at DESC
		LIMIT 1
	`, pinCode).Scan(&pin.ID, &pin.PinCode, &pin.ProfileID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No live row: either the code was never issued or it has
			// already been consumed.
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM pairing_pins WHERE pin_code = ?`, pinCode,
			).Scan(&n); err == nil && n > 0 {
				return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinConsumed)
			}
			return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinNotFound)
		}
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}

	pin.CreatedAt = time.Unix(createdAt, 0)
	pin.ExpiresAt = time.Unix(expiresAt, 0)

	if !now.Before(pin.ExpiresAt) {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinExpired)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = 1
		WHERE id = ? AND is_consumed = 0
	`, pin.ID)
	if err != nil {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinConsumed)
	}

	if err := tx.Commit(); err != nil {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}

	pin.IsConsumed = true

	return pin, nil
}

func (s *Storage) CancelPairingPins(ctx context.Context, profileID uuid.UUID) (int64, error) {
	const op = "storage.sqlite.CancelPairingPins"

	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = 1
		WHERE profile_id = ? AND is_consumed = 0
	`, profileID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()

	return affected, nil
}

func (s *Storage) SweepExpiredPairingPins(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.sqlite.SweepExpiredPairingPins"

	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = 1
		WHERE is_consumed = 0 AND expires_at <= ?
	`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()

	return affected, nil
}

/*
====================
Personal login pins
====================
*/

func (s *Storage) LoginPin(ctx context.Context, profileID uuid.UUID) (models.PersonalLoginPin, error) {
	const op = "storage.sqlite.LoginPin"

	var (
		rec         models.PersonalLoginPin
		updatedAt   int64
		lockedUntil sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id, pin_hash, updated_at, failed_attempts, locked_until
		FROM personal_login_pins
		WHERE profile_id = ?
	`, profileID).Scan(&rec.ProfileID, &rec.PinHash, &updatedAt, &rec.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonalLoginPin{}, fmt.Errorf("%s: %w", op, storage.ErrLoginPinNotSet)
		}
		return models.PersonalLoginPin{}, fmt.Errorf("%s: %w", op, err)
	}

	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if lockedUntil.Valid {
		t := time.Unix(lockedUntil.Int64, 0)
		rec.LockedUntil = &t
	}

	return rec, nil
}

func (s *Storage) SaveLoginPin(ctx context.Context, profileID uuid.UUID, pinHash []byte, now time.Time) error {
	const op = "storage.sqlite.SaveLoginPin"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personal_login_pins(profile_id, pin_hash, updated_at, failed_attempts, locked_until)
		VALUES (?, ?, ?, 0, NULL)
		ON CONFLICT(profile_id) DO UPDATE SET
			pin_hash = excluded.pin_hash,
			updated_at = excluded.updated_at,
			failed_attempts = 0,
			locked_until = NULL
	`, profileID, pinHash, now.Unix())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RecordLoginPinFailure(ctx context.Context, profileID uuid.UUID, maxFailures int, lockUntil time.Time) error {
	const op = "storage.sqlite.RecordLoginPinFailure"

	_, err := s.db.ExecContext(ctx, `
		UPDATE personal_login_pins
		SET failed_attempts = failed_attempts + 1,
		    locked_until = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE locked_until END
		WHERE profile_id = ?
	`, maxFailures, lockUntil.Unix(), profileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ResetLoginPinFailures(ctx context.Context, profileID uuid.UUID) error {
	const op = "storage.sqlite.ResetLoginPinFailures"

	_, err := s.db.ExecContext(ctx, `
		UPDATE personal_login_pins
		SET failed_attempts = 0, locked_until = NULL
		WHERE profile_id = ?
	`, profileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

/*
====================
Audit log
====================
*/

func (s *Storage) RecordAudit(ctx context.Context, entry models.AuditEntry) error {
	const op = "storage.sqlite.RecordAudit"

	var profileID, sessionID, deviceID, details any
	if entry.ProfileID != nil {
		profileID = entry.ProfileID.String()
	}
	if entry.SessionID != nil {
		sessionID = entry.SessionID.String()
	}
	if entry.DeviceID != nil {
		deviceID = *entry.DeviceID
	}
	if entry.Details != nil {
		details = *entry.Details
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log(profile_id, action, device_id, session_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, profileID, entry.Action, deviceID, sessionID, details, entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) AuditByProfile(ctx context.Context, profileID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	const op = "storage.sqlite.AuditByProfile"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, action, device_id, session_id, details, created_at
		FROM audit_log
		WHERE profile_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e         models.AuditEntry
			pid       sql.NullString
			deviceID  sql.NullString
			sessionID sql.NullString
			details   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &pid, &e.Action, &deviceID, &sessionID, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if pid.Valid {
			if id, err := uuid.Parse(pid.String); err == nil {
				e.ProfileID = &id
			}
		}
		if deviceID.Valid {
			v := deviceID.String
			e.DeviceID = &v
		}
		if sessionID.Valid {
			if id, err := uuid.Parse(sessionID.String); err == nil {
				e.SessionID = &id
			}
		}
		if details.Valid {
			v := details.String
			e.Details = &v
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return entries, nil
}

/*
====================
Scan helpers
====================
*/

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var (
		d            models.Device
		profileID    sql.NullString
		firstSeen    int64
		lastSeen     int64
		isRevoked    int
		isSuspicious int
	)
	err := row.Scan(
		&d.ID, &profileID, &d.UserAgent, &d.IPAddress,
		&firstSeen, &lastSeen, &d.RequestCount, &isRevoked, &isSuspicious,
	)
	if err != nil {
		return models.Device{}, err
	}

	if profileID.Valid {
		if id, err := uuid.Parse(profileID.String); err == nil {
			d.ProfileID = &id
		}
	}
	d.FirstSeenAt = time.Unix(firstSeen, 0)
	d.LastSeenAt = time.Unix(lastSeen, 0)
	d.IsRevoked = isRevoked != 0
	d.IsSuspicious = isSuspicious != 0

	return d, nil
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		sess         models.Session
		createdAt    int64
		lastAccessed int64
		expiresAt    int64
		isRevoked    int
		revokedAt    sql.NullInt64
	)
	err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.ProfileID,
		&createdAt, &lastAccessed, &expiresAt,
		&isRevoked, &revokedAt, &sess.IPAddress, &sess.UserAgent,
	)
	if err != nil {
		return models.Session{}, err
	}

	fillSessionTimes(&sess, createdAt, lastAccessed, expiresAt, isRevoked, revokedAt)

	return sess, nil
}

func fillSessionTimes(sess *models.Session, createdAt, lastAccessed, expiresAt int64, isRevoked int, revokedAt sql.NullInt64) {
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastAccessedAt = time.Unix(lastAccessed, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.IsRevoked = isRevoked != 0
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0)
		sess.RevokedAt = &t
	}
}

func scanMagicLink(row rowScanner) (models.MagicLink, error) {
	var (
		link      models.MagicLink
		linkType  string
		createdAt int64
		expiresAt int64
		email     sql.NullString
		isActive  int
	)
	err := row.Scan(
		&link.ID, &link.Token, &link.ProfileID, &linkType,
		&createdAt, &expiresAt, &email, &isActive,
	)
	if err != nil {
		return models.MagicLink{}, err
	}

	link.LinkType = models.LinkType(linkType)
	link.CreatedAt = time.Unix(createdAt, 0)
	link.ExpiresAt = time.Unix(expiresAt, 0)
	if email.Valid {
		v := email.String
		link.Email = &v
	}
	link.IsActive = isActive != 0

	return link, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
