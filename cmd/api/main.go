package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"autoapply-backend/internal/bootstrap"
	"autoapply-backend/internal/shared/config"
	"autoapply-backend/internal/shared/server"
	"autoapply-backend/internal/shared/telemetry"
)

func main() {
	cfg := config.Load()
	telemetry.Configure(cfg.LogLevel)
	defer telemetry.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		telemetry.Error("api.bootstrap_failed", map[string]any{"error": err})
		os.Exit(1)
	}

	if n, err := app.Recover(ctx); err != nil {
		telemetry.Error("api.recover_failed", map[string]any{"error": err})
	} else {
		telemetry.Info("api.recovered", map[string]any{"sessions": n})
	}

	srv := &http.Server{
		Addr:    server.Addr(cfg.Port),
		Handler: app.Router,
	}
	go func() {
		telemetry.Info("api.listening", map[string]any{"addr": srv.Addr, "env": cfg.Env})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemetry.Error("api.server_error", map[string]any{"error": err})
			stop()
		}
	}()

	<-ctx.Done()
	telemetry.Info("api.shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Error("api.http_shutdown_failed", map[string]any{"error": err})
	}
	// Runners record their in-flight submission before the pool closes.
	if err := app.Close(shutdownCtx); err != nil {
		telemetry.Error("api.close_failed", map[string]any{"error": err})
	}
}
