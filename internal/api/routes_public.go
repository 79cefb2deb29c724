package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blockgate-project/blockgate/internal/protocol"
	"github.com/blockgate-project/blockgate/internal/session"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "blockgate",
		"running": s.deps.Server != nil && s.deps.Server.Running(),
	})
}

// handleServerInfo returns what the server list ping shows.
func (s *Server) handleServerInfo(c *gin.Context) {
	login := s.cfg.GetServerData().Login
	online := 0
	if s.deps.Lobby != nil {
		online = s.deps.Lobby.PlayerCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"motd":             login.MOTD,
		"online_players":   online,
		"max_players":      login.MaxPlayers,
		"online_mode":      login.OnlineMode,
		"version":          session.VersionName,
		"protocol_version": protocol.ProtocolVersion,
	})
}
