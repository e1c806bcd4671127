package trust

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
	"devicetrust/internal/lib/ipmask"
	svc "devicetrust/internal/services/trust"
	"devicetrust/internal/storage"
)

// Service is the part of the trust core the HTTP surface depends on.
type Service interface {
	IssueMagicLink(ctx context.Context, profileID uuid.UUID, linkType models.LinkType, email *string) (models.MagicLink, error)
	RedeemMagicLink(ctx context.Context, token, deviceID, ipAddress, userAgent string) (models.Session, error)
	DeactivateMagicLink(ctx context.Context, linkID int64, callerProfileID uuid.UUID) error
	ListActiveMagicLinks(ctx context.Context, profileID uuid.UUID) ([]models.MagicLink, error)

	GeneratePairingPin(ctx context.Context, profileID uuid.UUID, duration time.Duration) (models.PairingPin, error)
	RedeemPairingPin(ctx context.Context, pinCode, deviceID, ipAddress, userAgent string) (models.Session, error)
	CancelPairingPin(ctx context.Context, profileID uuid.UUID) error

	SetPersonalPin(ctx context.Context, profileID uuid.UUID, currentPin *string, newPin string) error
	LoginWithPin(ctx context.Context, handle, pin, deviceID, ipAddress, userAgent string) (models.Session, error)

	ListDevices(ctx context.Context, profileID uuid.UUID) (active, revoked []models.Device, err error)
	RevokeDevice(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error
	UnrevokeDevice(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error
	ClearSuspiciousFlag(ctx context.Context, deviceID string, callerProfileID uuid.UUID) error

	ListSessions(ctx context.Context, profileID uuid.UUID) ([]models.Session, error)
	ListRevokedSessions(ctx context.Context, profileID uuid.UUID) ([]models.Session, error)
	RevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID) error
	RevokeAllOtherSessions(ctx context.Context, callerProfileID, currentSessionID uuid.UUID) (int, []svc.SessionRevokeFailure, error)
	UnrevokeSession(ctx context.Context, sessionID, callerProfileID uuid.UUID) error

	ListAuditEntries(ctx context.Context, profileID uuid.UUID) ([]models.AuditEntry, error)

	IsAuthorized(ctx context.Context, sessionID uuid.UUID) (bool, models.Session, error)
	TouchSession(ctx context.Context, sessionID uuid.UUID) error
	TouchDevice(ctx context.Context, deviceID, userAgent, ipAddress string) error
}

type Server struct {
	trust Service
	log   *slog.Logger
}

func NewServer(trust Service, log *slog.Logger) *Server {
	return &Server{trust: trust, log: log}
}

// Register mounts the API. Redemption and PIN login are public; everything
// else requires an authorized session.
func (s *Server) Register(r *gin.Engine) {
	api := r.Group("/api")

	api.POST("/links/redeem", s.handleRedeemMagicLink)
	api.POST("/pairing/redeem", s.handleRedeemPairingPin)
	api.POST("/login", s.handleLogin)

	authed := api.Group("", s.AuthMiddleware())
	{
		authed.POST("/links", s.handleIssueMagicLink)
		authed.GET("/links", s.handleListMagicLinks)
		authed.DELETE("/links/:id", s.handleDeactivateMagicLink)

		authed.POST("/pairing", s.handleGeneratePairingPin)
		authed.DELETE("/pairing", s.handleCancelPairingPin)

		authed.PUT("/pin", s.handleSetPersonalPin)

		authed.GET("/devices", s.handleListDevices)
		authed.POST("/devices/:id/revoke", s.handleRevokeDevice)
		authed.POST("/devices/:id/unrevoke", s.handleUnrevokeDevice)
		authed.POST("/devices/:id/clear-suspicious", s.handleClearSuspicious)

		authed.GET("/sessions", s.handleListSessions)
		authed.GET("/sessions/revoked", s.handleListRevokedSessions)
		authed.POST("/sessions/revoke-others", s.handleRevokeOtherSessions)
		authed.POST("/sessions/:id/revoke", s.handleRevokeSession)
		authed.POST("/sessions/:id/unrevoke", s.handleUnrevokeSession)

		authed.GET("/audit", s.handleListAudit)
	}
}

/*
====================
Credential redemption & login
====================
*/

func (s *Server) handleRedeemMagicLink(c *gin.Context) {
	var req struct {
		Token    string `json:"token" binding:"required"`
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "token and device_id are required")
		return
	}

	sess, err := s.trust.RedeemMagicLink(c.Request.Context(),
		strings.TrimSpace(req.Token), strings.TrimSpace(req.DeviceID),
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleRedeemPairingPin(c *gin.Context) {
	var req struct {
		PinCode  string `json:"pin_code" binding:"required"`
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "pin_code and device_id are required")
		return
	}

	sess, err := s.trust.RedeemPairingPin(c.Request.Context(),
		strings.TrimSpace(req.PinCode), strings.TrimSpace(req.DeviceID),
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse(sess))
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Handle   string `json:"handle" binding:"required"`
		Pin      string `json:"pin" binding:"required"`
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "handle, pin and device_id are required")
		return
	}

	sess, err := s.trust.LoginWithPin(c.Request.Context(),
		strings.TrimSpace(req.Handle), req.Pin, strings.TrimSpace(req.DeviceID),
		c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		// Unknown handle, unset PIN and wrong PIN are indistinguishable
		// from outside; only the rate limiter announces itself.
		if errors.Is(err, storage.ErrRateLimited) {
			writeErr(c, http.StatusTooManyRequests, "too many attempts, try again later")
			return
		}
		if isUnavailable(err) {
			writeErr(c, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		writeErr(c, http.StatusUnauthorized, "invalid handle or pin")
		return
	}

	c.JSON(http.StatusOK, sessionResponse(sess))
}

/*
====================
Magic links
====================
*/

func (s *Server) handleIssueMagicLink(c *gin.Context) {
	var req struct {
		LinkType string  `json:"link_type" binding:"required"`
		Email    *string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "link_type is required")
		return
	}

	linkType := models.LinkType(req.LinkType)
	if !linkType.Valid() {
		writeErr(c, http.StatusBadRequest, "link_type must be standard, extended or one_time")
		return
	}

	link, err := s.trust.IssueMagicLink(c.Request.Context(), callerProfile(c), linkType, req.Email)
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         link.ID,
		"token":      link.Token,
		"link_type":  string(link.LinkType),
		"expires_at": link.ExpiresAt,
	})
}

func (s *Server) handleListMagicLinks(c *gin.Context) {
	links, err := s.trust.ListActiveMagicLinks(c.Request.Context(), callerProfile(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(links))
	for _, link := range links {
		out = append(out, gin.H{
			"id":         link.ID,
			"link_type":  string(link.LinkType),
			"created_at": link.CreatedAt,
			"expires_at": link.ExpiresAt,
			"email":      link.Email,
		})
	}

	c.JSON(http.StatusOK, gin.H{"links": out})
}

func (s *Server) handleDeactivateMagicLink(c *gin.Context) {
	linkID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErr(c, http.StatusBadRequest, "invalid link id")
		return
	}

	if err := s.trust.DeactivateMagicLink(c.Request.Context(), linkID, callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/*
====================
Pairing pins
====================
*/

func (s *Server) handleGeneratePairingPin(c *gin.Context) {
	var req struct {
		DurationMinutes int `json:"duration_minutes"`
	}
	// Body is optional; an absent duration means the configured default.
	_ = c.ShouldBindJSON(&req)

	pin, err := s.trust.GeneratePairingPin(c.Request.Context(), callerProfile(c),
		time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pin_code":   pin.PinCode,
		"expires_at": pin.ExpiresAt,
	})
}

func (s *Server) handleCancelPairingPin(c *gin.Context) {
	if err := s.trust.CancelPairingPin(c.Request.Context(), callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/*
====================
Personal pin
====================
*/

func (s *Server) handleSetPersonalPin(c *gin.Context) {
	var req struct {
		CurrentPin *string `json:"current_pin"`
		NewPin     string  `json:"new_pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "new_pin is required")
		return
	}

	if err := s.trust.SetPersonalPin(c.Request.Context(), callerProfile(c), req.CurrentPin, req.NewPin); err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/*
====================
Devices
====================
*/

func (s *Server) handleListDevices(c *gin.Context) {
	active, revoked, err := s.trust.ListDevices(c.Request.Context(), callerProfile(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active":  deviceList(active),
		"revoked": deviceList(revoked),
	})
}

func (s *Server) handleRevokeDevice(c *gin.Context) {
	if err := s.trust.RevokeDevice(c.Request.Context(), c.Param("id"), callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleUnrevokeDevice(c *gin.Context) {
	if err := s.trust.UnrevokeDevice(c.Request.Context(), c.Param("id"), callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleClearSuspicious(c *gin.Context) {
	if err := s.trust.ClearSuspiciousFlag(c.Request.Context(), c.Param("id"), callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/*
====================
Sessions
====================
*/

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.trust.ListSessions(c.Request.Context(), callerProfile(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessionList(sessions, callerSession(c))})
}

func (s *Server) handleListRevokedSessions(c *gin.Context) {
	sessions, err := s.trust.ListRevokedSessions(c.Request.Context(), callerProfile(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessionList(sessions, callerSession(c))})
}

func (s *Server) handleRevokeSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErr(c, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.trust.RevokeSession(c.Request.Context(), sessionID, callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRevokeOtherSessions(c *gin.Context) {
	revoked, failures, err := s.trust.RevokeAllOtherSessions(c.Request.Context(), callerProfile(c), callerSession(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	failed := make([]string, 0, len(failures))
	for _, f := range failures {
		failed = append(failed, f.SessionID.String())
	}

	c.JSON(http.StatusOK, gin.H{
		"revoked": revoked,
		"failed":  failed,
	})
}

func (s *Server) handleUnrevokeSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeErr(c, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.trust.UnrevokeSession(c.Request.Context(), sessionID, callerProfile(c)); err != nil {
		s.writeTrustErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/*
====================
Audit
====================
*/

func (s *Server) handleListAudit(c *gin.Context) {
	entries, err := s.trust.ListAuditEntries(c.Request.Context(), callerProfile(c))
	if err != nil {
		s.writeTrustErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"action":     e.Action,
			"device_id":  e.DeviceID,
			"session_id": e.SessionID,
			"details":    e.Details,
			"created_at": e.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"entries": out})
}

/*
====================
Response shaping
====================
*/

func sessionResponse(sess models.Session) gin.H {
	return gin.H{
		"session_id": sess.ID.String(),
		"profile_id": sess.ProfileID.String(),
		"device_id":  sess.DeviceID,
		"expires_at": sess.ExpiresAt,
	}
}

func deviceList(devices []models.Device) []gin.H {
	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, gin.H{
			"device_id":     d.ID,
			"user_agent":    d.UserAgent,
			"ip_address":    ipmask.Mask(d.IPAddress),
			"first_seen_at": d.FirstSeenAt,
			"last_seen_at":  d.LastSeenAt,
			"request_count": d.RequestCount,
			"is_suspicious": d.IsSuspicious,
		})
	}
	return out
}

func sessionList(sessions []models.Session, current uuid.UUID) []gin.H {
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"session_id":       sess.ID.String(),
			"device_id":        sess.DeviceID,
			"created_at":       sess.CreatedAt,
			"last_accessed_at": sess.LastAccessedAt,
			"expires_at":       sess.ExpiresAt,
			"revoked_at":       sess.RevokedAt,
			"ip_address":       ipmask.Mask(sess.IPAddress),
			"user_agent":       sess.UserAgent,
			"is_current":       sess.ID == current,
		})
	}
	return out
}

/*
====================
Error mapping
====================
*/

func (s *Server) writeTrustErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrProfileNotFound),
		errors.Is(err, storage.ErrDeviceNotFound),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrLinkNotFound),
		errors.Is(err, storage.ErrPinNotFound):
		writeErr(c, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrLinkExpired),
		errors.Is(err, storage.ErrPinExpired),
		errors.Is(err, storage.ErrSessionExpired):
		writeErr(c, http.StatusGone, err.Error())
	case errors.Is(err, storage.ErrLinkDeactivated),
		errors.Is(err, storage.ErrPinConsumed):
		writeErr(c, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrForbidden):
		writeErr(c, http.StatusForbidden, "not allowed")
	case errors.Is(err, storage.ErrPairingDisabled):
		writeErr(c, http.StatusForbidden, "pairing is disabled")
	case errors.Is(err, storage.ErrRateLimited):
		writeErr(c, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, storage.ErrInvalidPin):
		writeErr(c, http.StatusBadRequest, "pin must be 4-8 digits")
	case errors.Is(err, storage.ErrInvalidCredentials):
		writeErr(c, http.StatusUnauthorized, "invalid credentials")
	default:
		s.log.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		writeErr(c, http.StatusServiceUnavailable, "service unavailable")
	}
}

// isUnavailable reports whether the error is outside the recoverable
// taxonomy, i.e. the registries themselves failed.
func isUnavailable(err error) bool {
	for _, known := range []error{
		storage.ErrProfileNotFound, storage.ErrDeviceNotFound, storage.ErrSessionNotFound,
		storage.ErrSessionExpired, storage.ErrLinkNotFound, storage.ErrLinkExpired,
		storage.ErrLinkDeactivated, storage.ErrPinNotFound, storage.ErrPinExpired,
		storage.ErrPinConsumed, storage.ErrPinCollision, storage.ErrLoginPinNotSet,
		storage.ErrInvalidPin, storage.ErrPairingDisabled, storage.ErrForbidden,
		storage.ErrRateLimited, storage.ErrInvalidCredentials,
	} {
		if errors.Is(err, known) {
			return false
		}
	}
	return true
}

func writeErr(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}
