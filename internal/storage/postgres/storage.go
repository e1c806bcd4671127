package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/storage"
)

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(dsn string, log *slog.Logger) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db, log: log}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}

/*
====================
Profiles
====================
*/

func (s *Storage) SaveProfile(ctx context.Context, p models.Profile) error {
	const op = "storage.postgres.SaveProfile"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, handle, pairing_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			handle = EXCLUDED.handle,
			pairing_enabled = EXCLUDED.pairing_enabled
	`, p.ID, p.Handle, p.PairingEnabled)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ProfileByID(ctx context.Context, profileID uuid.UUID) (models.Profile, error) {
	const op = "storage.postgres.ProfileByID"

	var p models.Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, pairing_enabled FROM profiles WHERE id = $1
	`, profileID).Scan(&p.ID, &p.Handle, &p.PairingEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fmt.Errorf("%s: %w", op, storage.ErrProfileNotFound)
		}
		return models.Profile{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

func (s *Storage) ProfileByHandle(ctx context.Context, handle string) (models.Profile, error) {
	const op = "storage.postgres.ProfileByHandle"

	var p models.Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, handle, pairing_enabled FROM profiles WHERE LOWER(handle) = LOWER($1)
	`, handle).Scan(&p.ID, &p.Handle, &p.PairingEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Profile{}, fmt.Errorf("%s: %w", op, storage.ErrProfileNotFound)
		}
		return models.Profile{}, fmt.Errorf("%s: %w", op, err)
	}

	return p, nil
}

/*
====================
Devices
====================
*/

const deviceColumns = `device_id, profile_id, user_agent, ip_address::text,
	first_seen_at, last_seen_at, request_count, is_revoked, is_suspicious`

func (s *Storage) DeviceByID(ctx context.Context, deviceID string) (models.Device, error) {
	const op = "storage.postgres.DeviceByID"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, fmt.Errorf("%s: %w", op, storage.ErrDeviceNotFound)
		}
		return models.Device{}, fmt.Errorf("%s: %w", op, err)
	}

	return d, nil
}

func (s *Storage) TouchDevice(ctx context.Context, deviceID, userAgent, ipAddress string, now time.Time) error {
	const op = "storage.postgres.TouchDevice"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, user_agent, ip_address, first_seen_at, last_seen_at, request_count)
		VALUES ($1, NULLIF($2,''), NULLIF($3,'')::inet, $4, $4, 1)
		ON CONFLICT (device_id) DO UPDATE SET
			last_seen_at = EXCLUDED.last_seen_at,
			request_count = devices.request_count + 1,
			user_agent = COALESCE(EXCLUDED.user_agent, devices.user_agent),
			ip_address = COALESCE(EXCLUDED.ip_address, devices.ip_address)
	`, deviceID, userAgent, ipAddress, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) LinkDevice(ctx context.Context, deviceID string, profileID uuid.UUID, userAgent, ipAddress string, now time.Time) (bool, error) {
	const op = "storage.postgres.LinkDevice"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT profile_id FROM devices WHERE device_id = $1 FOR UPDATE
	`, deviceID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	// Upsert so a racing create of the same device id folds into an
	// update instead of a unique violation.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, profile_id, user_agent, ip_address, first_seen_at, last_seen_at, request_count)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,'')::inet, $5, $5, 1)
		ON CONFLICT (device_id) DO UPDATE SET
			profile_id = EXCLUDED.profile_id,
			user_agent = COALESCE(EXCLUDED.user_agent, devices.user_agent),
			ip_address = COALESCE(EXCLUDED.ip_address, devices.ip_address),
			last_seen_at = EXCLUDED.last_seen_at
	`, deviceID, profileID, userAgent, ipAddress, now)
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
	const op = "storage.postgres.DevicesByProfile"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE profile_id = $1 ORDER BY last_seen_at DESC`,
		profileID)
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

func (s *Storage) SetDeviceRevoked(ctx context.Context, deviceID string, callerProfileID uuid.UUID, revoked bool, now time.Time) error {
	const op = "storage.postgres.SetDeviceRevoked"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT profile_id FROM devices WHERE device_id = $1 FOR UPDATE
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
		UPDATE devices SET is_revoked = $2 WHERE device_id = $1
	`, deviceID, revoked)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if revoked {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET is_revoked = TRUE, revoked_at = $2
			WHERE device_id = $1 AND is_revoked = FALSE
		`, deviceID, now)
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
	const op = "storage.postgres.ClearDeviceSuspicious"

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET is_suspicious = FALSE
		WHERE device_id = $1 AND profile_id = $2
	`, deviceID, callerProfileID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
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

const sessionColumns = `id, device_id, profile_id, created_at, last_accessed_at, expires_at,
	is_revoked, revoked_at, ip_address::text, user_agent`

func (s *Storage) SaveSession(ctx context.Context, sess models.Session) error {
	const op = "storage.postgres.SaveSession"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, profile_id, created_at, last_accessed_at, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,'')::inet, NULLIF($8,''))
	`, sess.ID, sess.DeviceID, sess.ProfileID,
		sess.CreatedAt, sess.LastAccessedAt, sess.ExpiresAt,
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
	const op = "storage.postgres.SessionByID"

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)

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
	const op = "storage.postgres.SessionAuthState"

	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.device_id, s.profile_id, s.created_at, s.last_accessed_at, s.expires_at,
		       s.is_revoked, s.revoked_at, s.ip_address::text, s.user_agent, d.is_revoked
		FROM sessions s
		JOIN devices d ON d.device_id = s.device_id
		WHERE s.id = $1
	`, sessionID)

	var (
		sess          models.Session
		revokedAt     sql.NullTime
		ip            sql.NullString
		ua            sql.NullString
		deviceRevoked bool
	)
	err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.ProfileID,
		&sess.CreatedAt, &sess.LastAccessedAt, &sess.ExpiresAt,
		&sess.IsRevoked, &revokedAt, &ip, &ua,
		&deviceRevoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, false, fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
		}
		return models.Session{}, false, fmt.Errorf("%s: %w", op, err)
	}

	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String

	return sess, deviceRevoked, nil
}

func (s *Storage) TouchSession(ctx context.Context, sessionID uuid.UUID, now time.Time) error {
	const op = "storage.postgres.TouchSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_accessed_at = $2 WHERE id = $1
	`, sessionID, now)
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
	const op = "storage.postgres.SessionsByProfile"

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE profile_id = $1 AND is_revoked = $2 ORDER BY created_at DESC`,
		profileID, revoked)
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
	const op = "storage.postgres.RevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_at = $3
		WHERE id = $1 AND profile_id = $2 AND is_revoked = FALSE
	`, sessionID, callerProfileID, now)
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
	}

	return nil
}

func (s *Storage) UnrevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID, now time.Time) error {
	const op = "storage.postgres.UnrevokeSession"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = FALSE, revoked_at = NULL
		WHERE id = $1 AND profile_id = $2 AND is_revoked = TRUE AND expires_at > $3
	`, sessionID, callerProfileID, now)
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
	}

	return nil
}

/*
====================
Magic links
====================
*/

func (s *Storage) SaveMagicLink(ctx context.Context, link models.MagicLink) (int64, error) {
	const op = "storage.postgres.SaveMagicLink"

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO magic_links (token, profile_id, link_type, created_at, expires_at, email)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''))
		RETURNING id
	`, link.Token, link.ProfileID, string(link.LinkType),
		link.CreatedAt, link.ExpiresAt, deref(link.Email)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: token collision: %w", op, err)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) MagicLinkByToken(ctx context.Context, token string) (models.MagicLink, error) {
	const op = "storage.postgres.MagicLinkByToken"

	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, profile_id, link_type, created_at, expires_at, email, is_active
		FROM magic_links
		WHERE token = $1
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

func (s *Storage) ConsumeMagicLink(ctx context.Context, token string, now time.Time) error {
	const op = "storage.postgres.ConsumeMagicLink"

	res, err := s.db.ExecContext(ctx, `
		UPDATE magic_links
		SET is_active = FALSE
		WHERE token = $1 AND is_active = TRUE AND expires_at > $2
	`, token, now)
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

func (s *Storage) DeactivateMagicLink(ctx context.Context, linkID int64, callerProfileID uuid.UUID) error {
	const op = "storage.postgres.DeactivateMagicLink"

	var owner uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id FROM magic_links WHERE id = $1
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
		UPDATE magic_links SET is_active = FALSE WHERE id = $1
	`, linkID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ActiveMagicLinks(ctx context.Context, profileID uuid.UUID, now time.Time) ([]models.MagicLink, error) {
	const op = "storage.postgres.ActiveMagicLinks"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, profile_id, link_type, created_at, expires_at, email, is_active
		FROM magic_links
		WHERE profile_id = $1 AND is_active = TRUE AND expires_at > $2
		ORDER BY created_at DESC
	`, profileID, now)
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

func (s *Storage) SavePairingPin(ctx context.Context, pin models.PairingPin) (int64, error) {
	const op = "storage.postgres.SavePairingPin"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM pairing_pins
		WHERE pin_code = $1 AND is_consumed = FALSE AND expires_at > $2
		LIMIT 1
	`, pin.PinCode, pin.CreatedAt).Scan(&exists)
	if err == nil {
		return 0, fmt.Errorf("%s: %w", op, storage.ErrPinCollision)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = TRUE
		WHERE profile_id = $1 AND is_consumed = FALSE
	`, pin.ProfileID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO pairing_pins (pin_code, profile_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, pin.PinCode, pin.ProfileID, pin.CreatedAt, pin.ExpiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) ConsumePairingPin(ctx context.Context, pinCode string, now time.Time) (models.PairingPin, error) {
	const op = "storage.postgres.ConsumePairingPin"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var pin models.PairingPin
	err = tx.QueryRowContext(ctx, `
		SELECT id, pin_code, profile_id, created_at, expires_at
		FROM pairing_pins
		WHERE pin_code = $1 AND is_consumed = FALSE
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, pinCode).Scan(&pin.ID, &pin.PinCode, &pin.ProfileID, &pin.CreatedAt, &pin.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM pairing_pins WHERE pin_code = $1`, pinCode,
			).Scan(&n); err == nil && n > 0 {
				return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinConsumed)
			}
			return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinNotFound)
		}
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, err)
	}

	if !now.Before(pin.ExpiresAt) {
		return models.PairingPin{}, fmt.Errorf("%s: %w", op, storage.ErrPinExpired)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = TRUE
		WHERE id = $1 AND is_consumed = FALSE
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
	const op = "storage.postgres.CancelPairingPins"

	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = TRUE
		WHERE profile_id = $1 AND is_consumed = FALSE
	`, profileID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	affected, _ := res.RowsAffected()

	return affected, nil
}

func (s *Storage) SweepExpiredPairingPins(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.postgres.SweepExpiredPairingPins"

	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_pins SET is_consumed = TRUE
		WHERE is_consumed = FALSE AND expires_at <= $1
	`, now)
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
	const op = "storage.postgres.LoginPin"

	var (
		rec         models.PersonalLoginPin
		lockedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id, pin_hash, updated_at, failed_attempts, locked_until
		FROM personal_login_pins
		WHERE profile_id = $1
	`, profileID).Scan(&rec.ProfileID, &rec.PinHash, &rec.UpdatedAt, &rec.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PersonalLoginPin{}, fmt.Errorf("%s: %w", op, storage.ErrLoginPinNotSet)
		}
		return models.PersonalLoginPin{}, fmt.Errorf("%s: %w", op, err)
	}

	if lockedUntil.Valid {
		t := lockedUntil.Time
		rec.LockedUntil = &t
	}

	return rec, nil
}

func (s *Storage) SaveLoginPin(ctx context.Context, profileID uuid.UUID, pinHash []byte, now time.Time) error {
	const op = "storage.postgres.SaveLoginPin"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personal_login_pins (profile_id, pin_hash, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (profile_id) DO UPDATE SET
			pin_hash = EXCLUDED.pin_hash,
			updated_at = EXCLUDED.updated_at,
			failed_attempts = 0,
			locked_until = NULL
	`, profileID, pinHash, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RecordLoginPinFailure(ctx context.Context, profileID uuid.UUID, maxFailures int, lockUntil time.Time) error {
	const op = "storage.postgres.RecordLoginPinFailure"

	_, err := s.db.ExecContext(ctx, `
		UPDATE personal_login_pins
		SET failed_attempts = failed_attempts + 1,
		    locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END
		WHERE profile_id = $1
	`, profileID, maxFailures, lockUntil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) ResetLoginPinFailures(ctx context.Context, profileID uuid.UUID) error {
	const op = "storage.postgres.ResetLoginPinFailures"

	_, err := s.db.ExecContext(ctx, `
		UPDATE personal_login_pins
		SET failed_attempts = 0, locked_until = NULL
		WHERE profile_id = $1
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
	const op = "storage.postgres.RecordAudit"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (profile_id, action, device_id, session_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ProfileID, entry.Action, entry.DeviceID, entry.SessionID, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) AuditByProfile(ctx context.Context, profileID uuid.UUID, limit int) ([]models.AuditEntry, error) {
	const op = "storage.postgres.AuditByProfile"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, action, device_id, session_id, details, created_at
		FROM audit_log
		WHERE profile_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Action, &e.DeviceID, &e.SessionID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
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
		d         models.Device
		profileID sql.NullString
		ua        sql.NullString
		ip        sql.NullString
	)
	err := row.Scan(
		&d.ID, &profileID, &ua, &ip,
		&d.FirstSeenAt, &d.LastSeenAt, &d.RequestCount, &d.IsRevoked, &d.IsSuspicious,
	)
	if err != nil {
		return models.Device{}, err
	}

	if profileID.Valid {
		if id, err := uuid.Parse(profileID.String); err == nil {
			d.ProfileID = &id
		}
	}
	d.UserAgent = ua.String
	d.IPAddress = ip.String

	return d, nil
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		sess      models.Session
		revokedAt sql.NullTime
		ip        sql.NullString
		ua        sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.DeviceID, &sess.ProfileID,
		&sess.CreatedAt, &sess.LastAccessedAt, &sess.ExpiresAt,
		&sess.IsRevoked, &revokedAt, &ip, &ua,
	)
	if err != nil {
		return models.Session{}, err
	}

	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	sess.IPAddress = ip.String
	sess.UserAgent = ua.String

	return sess, nil
}

func scanMagicLink(row rowScanner) (models.MagicLink, error) {
	var (
		link     models.MagicLink
		linkType string
		email    sql.NullString
	)
	err := row.Scan(
		&link.ID, &link.Token, &link.ProfileID, &linkType,
		&link.CreatedAt, &link.ExpiresAt, &email, &link.IsActive,
	)
	if err != nil {
		return models.MagicLink{}, err
	}

	link.LinkType = models.LinkType(linkType)
	if email.Valid {
		v := email.String
		link.Email = &v
	}

	return link, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
