// Package main runs the modelmux gateway: an OpenAI-compatible HTTP
// front end over the routing client.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelmux/modelmux"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting modelmux gateway", "version", modelmux.Version, "config", *configPath)

	client, err := modelmux.New(
		modelmux.WithConfigFile(*configPath),
		modelmux.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to initialize router", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServer(client, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
