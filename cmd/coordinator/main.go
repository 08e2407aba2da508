package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tatchi-labs/threshold-signer/internal/bootstrap"
	"github.com/tatchi-labs/threshold-signer/internal/config"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := bootstrap.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.NodeRole != config.RoleCoordinator {
		logger.Fatal("cmd/coordinator requires THRESHOLD_NODE_ROLE=coordinator", zap.String("got", string(cfg.NodeRole)))
	}

	coord, err := bootstrap.NewCoordinatorServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire coordinator", zap.Error(err))
	}
	defer coord.Queue.Close()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: coord.Server.Router(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("coordinator listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("coordinator server failed", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("coordinator stopped")
}
