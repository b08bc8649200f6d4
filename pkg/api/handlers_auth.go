package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/auth"
)

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token  string `json:"token"`
	Role   string `json:"role"`
	UserID string `json:"user_id"`
}

// handleLogin exchanges a shared password for an access token. The
// password decides the role.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	var userID, role string
	switch {
	case req.Password == s.cfg.AdminPassword:
		userID, role = "admin", auth.RoleAdmin
	case s.cfg.GuestPassword != "" && req.Password == s.cfg.GuestPassword:
		userID, role = "guest", auth.RoleGuest
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.tokens.Issue(userID, role)
	if err != nil {
		s.logger.Error("issuing token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, loginResponse{Token: token, Role: role, UserID: userID})
}

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(c *gin.Context) {
	health := s.db.Health(c.Request.Context())
	status := http.StatusOK
	if !health.Reachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    statusWord(health.Reachable),
		"database":  health,
		"timestamp": time.Now().UTC(),
	})
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}
