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

	"voiceagent/internal/config"
	"voiceagent/internal/tokens"
	"voiceagent/pkg/logger"
	"voiceagent/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
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

	h := tokens.Handler{ServerURL: cfg.LiveKit.URL}

	// Missing credentials are reported per request, not at startup.
	if cfg.HasLiveKitCredentials() {
		h.Issuer, err = tokens.NewIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL)
		if err != nil {
			log.Error("token issuer init failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("LIVEKIT_API_KEY/LIVEKIT_API_SECRET not set; token requests will fail")
	}

	if cfg.Token.IssueLimit > 0 {
		if cfg.Redis.Addr != "" {
			rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.Redis.Addr})
			if err != nil {
				log.Error("redis init failed", "err", err)
				os.Exit(1)
			}
			defer rdb.Close()
			h.Limiter = tokens.NewRedisLimiter(rdb, cfg.Token.IssueLimit, cfg.Token.IssueWindow)
		} else {
			h.Limiter = tokens.NewMemoryLimiter(cfg.Token.IssueLimit, cfg.Token.IssueWindow)
		}
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("token server listening", "addr", srv.Addr, "env", cfg.App.Env, "livekit_url", cfg.LiveKit.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
