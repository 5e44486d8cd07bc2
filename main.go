package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaymesh/hub/internal/config"
	httpapi "relaymesh/hub/internal/http"
	"relaymesh/hub/internal/hub"
	"relaymesh/hub/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	h, err := hub.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct hub", logging.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h.Start(ctx)

	handler := buildHandler(h, logger)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.PushPort), Handler: handler}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("hub listening", logging.Int("push_port", cfg.PushPort))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("hub server terminated", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", logging.Error(err))
	}
	if err := h.Stop(); err != nil {
		logger.Warn("hub stop failed", logging.Error(err))
	}
}

func buildHandler(h *hub.Hub, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: h,
		Stats:     func() any { return h.Stats() },
		Registry:  h.Metrics.Registry,
	})
	opsHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(logger)(mux)
}
