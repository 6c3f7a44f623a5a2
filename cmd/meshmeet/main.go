package main

import (
	"context"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/adapters/capture"
	"meshmeet/internal/adapters/ctrl"
	"meshmeet/internal/adapters/recorder"
	"meshmeet/internal/adapters/relay"
	"meshmeet/internal/adapters/rtc"
	"meshmeet/internal/config"
	"meshmeet/internal/domain"
	"meshmeet/internal/engine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	devices, err := capture.New()
	if err != nil {
		log.Fatal().Err(err).Msg("capture init")
	}

	mediaEngine := &webrtc.MediaEngine{}
	devices.PopulateEngine(mediaEngine)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = rtc.DefaultICEServers()
	}
	links := rtc.NewFactory(api, iceServers)

	channel, err := relay.Dial(ctx, cfg.RelayURL, relay.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("relay dial")
	}

	eng := engine.New(engine.Params{
		Self:        domain.ParticipantID(uuid.NewString()),
		RoomID:      domain.RoomID(cfg.RoomID),
		DisplayName: cfg.DisplayName,
		Role:        domain.ParseRole(cfg.Role),
		Interests:   cfg.Interests,
		Channel:     channel,
		Links:       links,
		Camera:      devices.Camera(),
		Screen:      devices.Screen(),
		Processed:   devices.Processed(color.RGBA{R: 16, G: 24, B: 48, A: 255}),
		Recorder:    recorder.NewIVF(cfg.RecordingDir),
	})

	go eng.Run(ctx)
	channel.Run(ctx, eng.Deliver)
	eng.Join()

	r := ctrl.SetupRouter(cfg, eng)
	addr := fmt.Sprintf(":%d", cfg.CtrlPort)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meshmeet control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("control server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	eng.Leave()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Exited gracefully")
}
