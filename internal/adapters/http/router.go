package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/adapters/signal"
	"github.com/ashvale/voicemesh/internal/authority"
	"github.com/ashvale/voicemesh/internal/config"
	"github.com/ashvale/voicemesh/internal/domain"
)

// SetupRouter wires the voice stream endpoint plus the internal roster
// sync surface the platform's session service pushes through.
func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.VoiceWSController, auth *authority.Memory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoicemeshSession", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": ctrl.Channels.List()})
	})

	api := r.Group("/api/v1")

	api.GET("/sessions/:session_id/voice/stream", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("session", c.Param("session_id")).Msg("voice stream endpoint hit")
		ctrl.HandleVoice(ctx, c)
	})

	// Roster sync from the membership authority. The relay reflects
	// these, it never originates membership.
	internal := r.Group("/internal")

	internal.PUT("/sessions/:session_id", func(c *gin.Context) {
		var body struct {
			Active bool                 `json:"active"`
			Roster []domain.Participant `json:"roster"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
			return
		}
		id := domain.SessionID(c.Param("session_id"))
		auth.Upsert(domain.Session{ID: id, Active: body.Active, Roster: body.Roster})
		if !body.Active {
			ctrl.EvictSession(id)
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id})
	})

	internal.DELETE("/sessions/:session_id", func(c *gin.Context) {
		id := domain.SessionID(c.Param("session_id"))
		auth.Deactivate(id)
		ctrl.EvictSession(id)
		c.JSON(http.StatusOK, gin.H{"session_id": id})
	})

	return r
}
