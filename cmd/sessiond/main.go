package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0xjba/session-keys/internal/auth"
	"github.com/0xjba/session-keys/internal/config"
	"github.com/0xjba/session-keys/internal/httpapi"
	"github.com/0xjba/session-keys/internal/provider"
	"github.com/0xjba/session-keys/internal/sessionkey"
	"github.com/0xjba/session-keys/internal/state"
	"github.com/0xjba/session-keys/internal/txbuilder"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── RPC provider ──────────────────────────────────────────────────────────
	prov, err := provider.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal("rpc dial failed", zap.Error(err))
	}
	defer prov.Close()

	// ── State store (persisted subset lives in Redis) ─────────────────────────
	store := state.NewStore(state.NewRedisPersistence(rdb), log)
	defer store.Close()

	keys := sessionkey.NewManager(store, cfg.Chain, cfg.Funding, log)
	txs := txbuilder.NewBuilder(store, cfg.Chain, cfg.Fees, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api", auth.Middleware(rdb))
	httpapi.NewHandler(keys, txs, store, prov, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.Int64("chain_id", cfg.Chain.ChainID),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
