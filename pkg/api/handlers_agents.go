package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/services"
)

type createAgentRequest struct {
	Name               string  `json:"name" binding:"required"`
	WorldName          *string `json:"world_name"`
	Group              *string `json:"group"`
	SystemPrompt       string  `json:"system_prompt" binding:"required"`
	InANutshell        *string `json:"in_a_nutshell"`
	Characteristics    *string `json:"characteristics"`
	RecentEvents       *string `json:"recent_events"`
	ProfileImage       *string `json:"profile_image"`
	Priority           int     `json:"priority"`
	InterruptEveryTurn bool    `json:"interrupt_every_turn"`
	Transparent        bool    `json:"transparent"`
}

// handleCreateAgent registers an agent definition. Admin-only.
func (s *Server) handleCreateAgent(c *gin.Context) {
	claims := requestClaims(c)
	if !isAdmin(claims) {
		respondError(c, fmt.Errorf("create agent: %w", services.ErrPermissionDenied))
		return
	}
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and system_prompt are required"})
		return
	}

	agent, err := s.store.Agents.Create(c.Request.Context(), services.CreateAgentParams{
		Name:               req.Name,
		WorldName:          req.WorldName,
		Group:              req.Group,
		SystemPrompt:       req.SystemPrompt,
		InANutshell:        req.InANutshell,
		Characteristics:    req.Characteristics,
		RecentEvents:       req.RecentEvents,
		ProfileImage:       req.ProfileImage,
		Priority:           req.Priority,
		InterruptEveryTurn: req.InterruptEveryTurn,
		Transparent:        req.Transparent,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.Agents.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type addAgentRequest struct {
	AgentID int64 `json:"agent_id" binding:"required"`
}

// handleAddAgentToRoom joins an agent to a room's roster.
func (s *Server) handleAddAgentToRoom(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	var req addAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}
	if err := s.store.Agents.AddToRoom(c.Request.Context(), room.ID, req.AgentID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
