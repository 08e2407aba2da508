// cmd/threshold-node is a single binary covering both node roles, for
// deployments that prefer one image over the two dedicated
// cmd/coordinator and cmd/cosigner binaries.
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

	var (
		handler http.Handler
		closers []func()
	)

	switch cfg.NodeRole {
	case config.RoleCoordinator:
		coord, err := bootstrap.NewCoordinatorServer(cfg, logger)
		if err != nil {
			logger.Fatal("failed to wire coordinator", zap.Error(err))
		}
		handler = coord.Server.Router()
		closers = append(closers, coord.Queue.Close)
	case config.RoleCosigner:
		server, err := bootstrap.NewCosignerServer(cfg, logger)
		if err != nil {
			logger.Fatal("failed to wire cosigner", zap.Error(err))
		}
		handler = server.Router()
	default:
		logger.Fatal("unrecognized THRESHOLD_NODE_ROLE", zap.String("role", string(cfg.NodeRole)))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("threshold-node listening", zap.String("role", string(cfg.NodeRole)), zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("threshold-node server failed", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	for _, closeFn := range closers {
		closeFn()
	}
	logger.Info("threshold-node stopped")
}
