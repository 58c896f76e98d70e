package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/blob"
	"github.com/vartalap-chat/vartalap/pkg/bridge"
	"github.com/vartalap-chat/vartalap/pkg/config"
	"github.com/vartalap-chat/vartalap/pkg/db"
	"github.com/vartalap-chat/vartalap/pkg/hub"
	"github.com/vartalap-chat/vartalap/pkg/presence"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.ConversationStore
	if len(cfg.ScyllaHosts) > 0 {
		session, err := db.NewSession(log, cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			log.Error("scylla connection failed", "err", err)
			os.Exit(1)
		}
		defer session.Close()
		st = store.NewScyllaStore(session, log)
	} else {
		log.Warn("SCYLLA_HOSTS not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	var pres *presence.Tracker
	if cfg.RedisAddr != "" {
		pres = presence.NewTracker(cfg.RedisAddr, log)
		defer pres.Close()
	} else {
		log.Warn("REDIS_ADDR not set, presence tracking disabled")
	}

	registry := hub.NewRegistry(log)

	var mirror hub.Mirror
	if len(cfg.KafkaBrokers) > 0 {
		b := bridge.New(cfg.KafkaBrokers, cfg.KafkaTopic, registry, log)
		defer b.Close()
		go b.Run(ctx)
		mirror = b
	}

	h := hub.New(st, registry, pres, mirror, log)

	blobs, err := blob.NewDiskStore(cfg.UploadDir)
	if err != nil {
		log.Error("upload dir unavailable", "err", err)
		os.Exit(1)
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, time.Duration(cfg.JWTTTLHrs)*time.Hour)

	g := &Gateway{
		hub:      h,
		store:    st,
		verifier: verifier,
		pres:     pres,
		blobs:    blobs,
		cfg:      cfg,
		log:      log,
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: g.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("gateway starting", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
