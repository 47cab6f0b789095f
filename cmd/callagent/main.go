package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voiceagent/internal/agent"
	"voiceagent/internal/audioroute"
	"voiceagent/internal/calllog"
	"voiceagent/internal/calls"
	"voiceagent/internal/config"
	"voiceagent/internal/httpapi"
	"voiceagent/internal/tokens"
	"voiceagent/internal/transport"
	"voiceagent/internal/transport/livekit"
	"voiceagent/internal/transport/loopback"
	"voiceagent/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateClient()
	}
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, logger.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		source tokens.Source
		rooms  transport.Factory
	)
	if cfg.Call.DemoMode {
		log.Info("demo mode: using loopback transport")
		source = tokens.StaticSource{Token: tokens.Token{Value: "demo", ServerURL: "loopback://demo"}}
		rooms = loopback.NewFactory(loopback.Options{
			ConnectDelay: 1500 * time.Millisecond,
			Step:         500 * time.Millisecond,
			SpeakFor:     3 * time.Second,
		})
	} else {
		source = tokens.NewClient(cfg.Token.BaseURL, tokens.WithTimeout(cfg.Token.Timeout))
		lkOpts := livekit.Options{Logger: log}
		if cfg.Call.AudioDir != "" {
			lkOpts.Audio = livekit.NewOggRecorder(cfg.Call.AudioDir)
		} else {
			log.Warn("CALL_AUDIO_DIR not set; remote agent audio will be discarded")
		}
		rooms = livekit.NewFactory(lkOpts)
	}

	callLog := calllog.NewService(calllog.NewMemoryRepo(0), log)

	controller, err := calls.NewController(calls.Deps{
		Tokens:   source,
		Rooms:    rooms,
		Routes:   audioroute.NewStaticSelector(audioroute.Speakerphone, audioroute.Earpiece),
		Observer: callLog,
		Logger:   log,
	}, calls.Options{
		FallbackURL: cfg.LiveKit.URL,
		RoomPrefix:  cfg.Call.RoomPrefix,
		AgentName:   cfg.Call.AgentName,
		GraceDelay:  cfg.Call.GraceDelay,
		TrackGain:   cfg.Call.TrackGain,
	})
	if err != nil {
		log.Error("call controller init failed", "err", err)
		os.Exit(1)
	}

	h := httpapi.Handlers{Calls: controller, Log: callLog}
	if cfg.Agent.AgentID != "" {
		h.Agent = agent.NewClient(cfg.Agent.APIKey, cfg.Agent.AgentID,
			agent.WithBaseURL(cfg.Agent.BaseURL),
			agent.WithTimeout(cfg.Agent.Timeout),
		)
	} else {
		log.Warn("AGENT_ID not set; text messages to the agent are disabled")
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("callagent listening", "addr", srv.Addr, "env", cfg.App.Env, "demo", cfg.Call.DemoMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	// Hang up first so the event streams close before the server drains.
	if err := controller.Close(); err != nil {
		log.Error("call controller close failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
