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

	"golang.org/x/sync/errgroup"

	"github.com/openbound/roomchat/internal/chat"
	"github.com/openbound/roomchat/internal/logging"
	"github.com/openbound/roomchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logging.New()

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	hub := server.NewHub(
		chat.WithHistoryLimit(cfg.HistoryLimit),
		chat.WithGracePeriod(cfg.GracePeriod),
	)
	go hub.Run()

	mux := server.SetupRoutes(hub)
	httpServer := server.CreateServer(cfg.Port, mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")

		if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
		if err := hub.Shutdown(shutdownTimeout); err != nil {
			slog.Error("hub shutdown incomplete", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
