package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/auth"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/services"
)

func roomIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return id, true
}

// loadRoomAuthorized fetches the room and enforces ownership: guests can
// only touch their own rooms, admins anything.
func (s *Server) loadRoomAuthorized(c *gin.Context, claims *auth.Claims) (*models.Room, bool) {
	id, ok := roomIDParam(c)
	if !ok {
		return nil, false
	}
	room, err := s.store.Rooms.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !isAdmin(claims) && room.OwnerID != claims.UserID {
		respondError(c, fmt.Errorf("room %d: %w", id, services.ErrPermissionDenied))
		return nil, false
	}
	return room, true
}

type createRoomRequest struct {
	Name            string `json:"name" binding:"required"`
	WorldID         *int64 `json:"world_id"`
	MaxInteractions *int   `json:"max_interactions"`
	AgentIDs        []int64 `json:"agent_ids"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	claims := requestClaims(c)
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	room, err := s.store.Rooms.Create(c.Request.Context(), services.CreateRoomParams{
		OwnerID:         claims.UserID,
		Name:            req.Name,
		WorldID:         req.WorldID,
		MaxInteractions: req.MaxInteractions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	for _, agentID := range req.AgentIDs {
		if err := s.store.Agents.AddToRoom(c.Request.Context(), room.ID, agentID); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, room)
}

func (s *Server) handleListRooms(c *gin.Context) {
	claims := requestClaims(c)
	owner := claims.UserID
	if isAdmin(claims) {
		owner = ""
	}
	rooms, err := s.store.Rooms.List(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	agents, err := s.store.Agents.ListForRoom(c.Request.Context(), room.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "agents": agents})
}

type updateRoomRequest struct {
	IsPaused        *bool `json:"is_paused"`
	MaxInteractions *int  `json:"max_interactions"`
	MarkRead        bool  `json:"mark_read"`
}

func (s *Server) handleUpdateRoom(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	params := services.UpdateRoomParams{
		IsPaused:        req.IsPaused,
		MaxInteractions: req.MaxInteractions,
	}
	if req.MarkRead {
		now := time.Now()
		params.LastReadAt = &now
	}
	if err := s.store.Rooms.Update(c.Request.Context(), room.ID, params); err != nil {
		respondError(c, err)
		return
	}

	// Pausing takes effect immediately: stop the running tape, keep the
	// partial text.
	if req.IsPaused != nil && *req.IsPaused {
		s.orch.InterruptRoom(c.Request.Context(), room.ID, true)
	}

	updated, err := s.store.Rooms.Get(c.Request.Context(), room.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteRoom(c *gin.Context) {
	claims := requestClaims(c)
	if !isAdmin(claims) {
		respondError(c, fmt.Errorf("delete room: %w", services.ErrPermissionDenied))
		return
	}
	id, ok := roomIDParam(c)
	if !ok {
		return
	}

	s.orch.InterruptRoom(c.Request.Context(), id, false)
	if err := s.store.Rooms.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
