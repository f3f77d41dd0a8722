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

	router "github.com/roomsig/roomsig/internal/adapters/http"
	"github.com/roomsig/roomsig/internal/adapters/rtc"
	"github.com/roomsig/roomsig/internal/adapters/ws"
	"github.com/roomsig/roomsig/internal/app"
	"github.com/roomsig/roomsig/internal/config"
	"github.com/roomsig/roomsig/internal/core"
	"github.com/roomsig/roomsig/internal/videoroom"
)

const version = "0.9.0"

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
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ids := core.NewIDSpace()
	reg := app.NewRegistry(cfg, ids)
	gw := app.NewGateway(cfg, reg, version)

	engine := rtc.NewLocalEngine()
	policy := videoroom.DefaultCodecPolicy()
	if len(cfg.AudioCodecs) > 0 {
		policy.Audio = cfg.AudioCodecs
	}
	reg.RegisterPlugin(videoroom.New(ids, engine, gw, policy, cfg.MaxPublishers))

	go reg.Run(ctx)

	ctl := ws.NewController(cfg, gw)
	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("version", version).Msg("roomsig gateway started")
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
