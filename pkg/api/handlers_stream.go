package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-dev/palaver/pkg/events"
)

const keepaliveInterval = 15 * time.Second

// handleCreateTicket mints a single-use stream ticket for the caller.
// This is the authenticated half of the SSE handshake.
func (s *Server) handleCreateTicket(c *gin.Context) {
	room, ok := s.loadRoomAuthorized(c, requestClaims(c))
	if !ok {
		return
	}
	ticket, err := s.tickets.Create(requestClaims(c), room.ID)
	if err != nil {
		s.logger.Error("minting stream ticket failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "expires_in_seconds": 60})
}

// handleStream is the SSE endpoint. Authentication is by ticket: the
// EventSource API cannot set headers, so the bearer-token middleware
// bypasses this path.
func (s *Server) handleStream(c *gin.Context) {
	id, ok := roomIDParam(c)
	if !ok {
		return
	}
	ticket := c.Query("ticket")
	if ticket == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ticket is required"})
		return
	}
	if _, valid := s.tickets.Validate(ticket, id); !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired ticket"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sub := s.broadcaster.Subscribe(id)
	defer s.broadcaster.Unsubscribe(sub)

	send := func(payload any) bool {
		c.SSEvent("message", payload)
		c.Writer.Flush()
		return c.Request.Context().Err() == nil
	}

	if !send(events.Connected{Type: events.TypeConnected, RoomID: id}) {
		return
	}

	// Replay in-flight generations so a late subscriber starts from the
	// current partial text instead of a blank screen.
	for agentID, snap := range s.streamTable.SnapshotRoom(id) {
		catchUp := events.CatchUp{
			Type:         events.TypeCatchUp,
			RoomID:       id,
			AgentID:      agentID,
			AgentName:    snap.AgentName,
			ThinkingText: snap.Thinking,
			ResponseText: snap.Response,
		}
		if !send(catchUp) {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			if !send(event) {
				return
			}
			keepalive.Reset(keepaliveInterval)
		case <-keepalive.C:
			if !send(events.Keepalive{Type: events.TypeKeepalive}) {
				return
			}
		}
	}
}
