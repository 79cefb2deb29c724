package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/events"
	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/session"
)

const defaultKickMessage = "Kicked by an operator"

// handleDisconnect kicks one connection.
func (s *Server) handleDisconnect(c *gin.Context) {
	conn, ok := s.lookupConnection(c)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = defaultKickMessage
	}

	if !conn.Connected() {
		c.JSON(http.StatusConflict, gin.H{"error": "connection already closing", "id": conn.ID()})
		return
	}
	if p, ok := conn.Handler().(*session.Player); ok {
		p.Kick(body.Reason)
	} else {
		conn.Queue(protocol.Kick(body.Reason))
		conn.Disconnect(session.ReasonKicked, body.Reason)
	}

	operator, _ := c.Get("operator")
	log.Info().
		Uint64("conn_id", conn.ID()).
		Str("reason", body.Reason).
		Interface("operator", operator).
		Msg("API: connection kicked")

	c.JSON(http.StatusOK, gin.H{
		"status": "disconnected",
		"id":     conn.ID(),
	})
}

// handleBroadcast sends a chat message to every player.
func (s *Server) handleBroadcast(c *gin.Context) {
	var body struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	var sent int
	if s.deps.Lobby != nil {
		sent = s.deps.Lobby.Broadcast("§d[Server] " + body.Message)
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventBroadcast,
		Source:  "api",
		Payload: events.BroadcastPayload{Message: body.Message},
	})

	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"recipients": sent,
	})
}
