package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/events"
)

// handleGetConfig returns the current configuration with secrets removed.
func (s *Server) handleGetConfig(c *gin.Context) {
	appData := s.cfg.GetApplicationData()
	if appData.API.Token != "" {
		appData.API.Token = "********"
	}
	c.JSON(http.StatusOK, gin.H{
		"server_data":      s.cfg.GetServerData(),
		"application_data": appData,
	})
}

// handleSetLogin updates the login settings. New connections pick them up
// immediately; online mode and key size are fixed at startup.
func (s *Server) handleSetLogin(c *gin.Context) {
	current := s.cfg.GetServerData().Login

	login := current
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if login.OnlineMode != current.OnlineMode || login.KeyBits != current.KeyBits {
		c.JSON(http.StatusBadRequest, gin.H{"error": "online_mode and key_bits require a restart"})
		return
	}

	candidate := config.DefaultConfig()
	candidate.ServerData = s.cfg.GetServerData()
	candidate.ServerData.Login = login
	candidate.ApplicationData = s.cfg.GetApplicationData()
	if result := config.Validate(candidate); !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login settings", "details": result.Errors})
		return
	}

	s.cfg.SetLogin(login)
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "login",
			Value:   login,
		},
	})

	operator, _ := c.Get("operator")
	log.Info().Interface("operator", operator).Msg("API: login settings updated")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"login":  login,
	})
}
