package trust

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxProfileID = "profile_id"
	ctxSessionID = "session_id"
)

// AuthMiddleware resolves the bearer token into a live session. A session
// that is revoked, expired, or attached to a revoked device is rejected.
// Successful requests refresh the session's and device's activity trail.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeErr(c, http.StatusUnauthorized, "missing bearer token")
			c.Abort()
			return
		}

		sessionID, err := uuid.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeErr(c, http.StatusUnauthorized, "invalid session token")
			c.Abort()
			return
		}

		ok, sess, err := s.trust.IsAuthorized(c.Request.Context(), sessionID)
		if err != nil {
			writeErr(c, http.StatusServiceUnavailable, "service unavailable")
			c.Abort()
			return
		}
		if !ok {
			writeErr(c, http.StatusUnauthorized, "session is not usable")
			c.Abort()
			return
		}

		if err := s.trust.TouchSession(c.Request.Context(), sess.ID); err != nil {
			s.log.Warn("session touch failed", "session_id", sess.ID.String(), "error", err.Error())
		}
		if err := s.trust.TouchDevice(c.Request.Context(), sess.DeviceID, c.Request.UserAgent(), c.ClientIP()); err != nil {
			s.log.Warn("device touch failed", "device_id", sess.DeviceID, "error", err.Error())
		}

		c.Set(ctxProfileID, sess.ProfileID)
		c.Set(ctxSessionID, sess.ID)
		c.Next()
	}
}

func callerProfile(c *gin.Context) uuid.UUID {
	v, _ := c.Get(ctxProfileID)
	id, _ := v.(uuid.UUID)
	return id
}

func callerSession(c *gin.Context) uuid.UUID {
	v, _ := c.Get(ctxSessionID)
	id, _ := v.(uuid.UUID)
	return id
}
