package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/models"
)

type sendMessageRequest struct {
	Content string  `json:"content" binding:"required"`
	Images  *string `json:"images"`
}

// handleSendMessage persists a user message and kicks off a tape. Replies
// arrive over the SSE stream or the poll endpoint.
func (s *Server) handleSendMessage(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	participant := models.ParticipantUser
	msg := &models.Message{
		RoomID:          room.ID,
		Content:         req.Content,
		Role:            models.RoleUser,
		ParticipantType: &participant,
		Images:          req.Images,
		Timestamp:       time.Now(),
	}
	saved, err := s.store.Messages.Save(c.Request.Context(), msg)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.orch.HandleUserMessage(c.Request.Context(), room.ID, nil, req.Content); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleListMessages(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	msgs, err := s.store.Messages.ListForRoom(c.Request.Context(), room.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// handlePollMessages returns messages newer than since_id plus the current
// streaming snapshot, so pollers see in-flight partials too.
func (s *Server) handlePollMessages(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	sinceID, err := strconv.ParseInt(c.DefaultQuery("since_id", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_id"})
		return
	}

	msgs, err := s.store.Messages.ListSince(c.Request.Context(), room.ID, sinceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":  msgs,
		"streaming": s.streamTable.SnapshotRoom(room.ID),
	})
}

// handleClearMessages wipes the history, interrupting any in-flight
// generation first so nothing gets written after the wipe.
func (s *Server) handleClearMessages(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}

	s.orch.InterruptRoom(c.Request.Context(), room.ID, false)
	if err := s.store.Messages.Clear(c.Request.Context(), room.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
