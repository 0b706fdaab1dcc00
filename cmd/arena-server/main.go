package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "chessarena/internal/config"
	"chessarena/internal/coordinator"
	"chessarena/internal/eventbus"
	"chessarena/internal/match"
	"chessarena/internal/msgcat"
	"chessarena/internal/obslog"
	"chessarena/internal/registry"
	"chessarena/internal/rules"
	"chessarena/internal/store"
	"chessarena/internal/transport"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.L().Sync()

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres init error: %v", err)
	}
	defer pg.Close()
	if err := pg.Migrate(context.Background()); err != nil {
		log.Fatalf("schema migration error: %v", err)
	}

	reg := registry.New()

	// fan room events across instances when redis is configured
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url error: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}
	bus := eventbus.New(reg, rdb)

	coord := coordinator.New(coordinator.Options{
		Registry: reg,
		Rooms:    bus,
		Store:    pg,
		Rules:    rules.NewEngine(),
		Messages: cat,
		Clocks: match.Config{
			MatchTime:    cfg.MatchTime,
			AbandonGrace: cfg.AbandonGrace,
		},
	})
	if err := coord.Recover(context.Background()); err != nil {
		log.Fatalf("match recovery error: %v", err)
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go bus.Run(busCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           transport.NewServer(coord, []byte(cfg.JWTSecret)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	obslog.L().Info("server_shutdown")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}
