// Package main provides the Verse backend binary: the account API and the
// websocket presence server in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/verseworld/verse/internal/auth"
	"github.com/verseworld/verse/internal/config"
	"github.com/verseworld/verse/internal/httpapi"
	"github.com/verseworld/verse/internal/observability"
	"github.com/verseworld/verse/internal/presence"
	"github.com/verseworld/verse/internal/server"
	"github.com/verseworld/verse/internal/storage/postgres"
	"github.com/verseworld/verse/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting verse server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ws_path", cfg.WebSocket.Path),
	)

	// Connect to PostgreSQL for account persistence
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	accounts := postgres.NewAccountRepository(pool.DB())
	tokens := auth.NewTokenManager(cfg.Auth)

	// Presence: transport and session core reference each other, so wire the
	// sink after both exist.
	transport := ws.NewServer(cfg.WebSocket, tokens, logger, cfg.Server.CORSOrigin)
	registry := presence.NewRegistry()
	core := presence.NewCore(registry, transport, logger, presence.Vector3{
		X: cfg.World.SpawnX,
		Y: cfg.World.SpawnY,
		Z: cfg.World.SpawnZ,
	})
	transport.SetSession(core)

	api := httpapi.NewHandler(accounts, tokens, tokens, logger, cfg.Server.CORSOrigin)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle(cfg.WebSocket.Path, transport)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	lc := server.NewLifecycle(logger)
	lc.Add("database", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn:  pool.Close,
	})
	lc.Add("http", &server.FuncService{
		StartFn: func() error {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			transport.Shutdown(shutdownCtx)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	logger.Info("verse server ready",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lc.Run(ctx); err != nil {
		logger.Fatal("lifecycle error", zap.Error(err))
	}
}
