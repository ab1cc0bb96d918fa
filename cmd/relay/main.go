package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/google/uuid"

	router "github.com/ashvale/voicemesh/internal/adapters/http"
	signalws "github.com/ashvale/voicemesh/internal/adapters/signal"
	"github.com/ashvale/voicemesh/internal/auth"
	"github.com/ashvale/voicemesh/internal/authority"
	"github.com/ashvale/voicemesh/internal/config"
	"github.com/ashvale/voicemesh/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	roster := authority.NewMemory()
	ctrl := signalws.NewVoiceWSController(cfg, roster)

	if cfg.Mode == "debug" {
		seedDevSession(cfg, roster)
	}

	r := router.SetupRouter(ctx, cfg, ctrl, roster)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voicemesh relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// seedDevSession creates a throwaway session with signed tokens so the
// stream endpoint can be exercised without the platform running.
func seedDevSession(cfg *config.Config, roster *authority.Memory) {
	session := domain.SessionID(uuid.NewString())
	host := domain.Participant{ID: domain.UserID(uuid.NewString()), DisplayName: "Dev Host", Role: domain.RoleHost}
	player := domain.Participant{ID: domain.UserID(uuid.NewString()), DisplayName: "Dev Player", Role: domain.RolePlayer}
	roster.Upsert(domain.Session{ID: session, Active: true, Roster: []domain.Participant{host, player}})

	for _, p := range []domain.Participant{host, player} {
		token, err := auth.NewAccessToken(cfg.Secret, p.ID, 24*time.Hour)
		if err != nil {
			log.Error().Err(err).Msg("dev token")
			continue
		}
		log.Info().Str("session", string(session)).Str("user", string(p.ID)).Str("role", string(p.Role)).Str("access_token", token).Msg("dev session participant")
	}
}
