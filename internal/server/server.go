// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package server wires configuration, datastore, mailer and routes into
// a running HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"

	"github.com/storekit/verimail/internal/config"
	"github.com/storekit/verimail/internal/database"
	"github.com/storekit/verimail/internal/directory"
	"github.com/storekit/verimail/internal/handlers"
	"github.com/storekit/verimail/internal/i18n"
	"github.com/storekit/verimail/internal/mailer"
	"github.com/storekit/verimail/internal/verify"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)

	// Database
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	// i18n
	if initErr := i18n.Init(); initErr != nil {
		return fmt.Errorf("failed to init i18n: %w", initErr)
	}

	// Collaborators
	dir := directory.New(db)

	m, err := mailer.New(&cfg.SMTP)
	if err != nil {
		return fmt.Errorf("failed to create mailer: %w", err)
	}

	verifier := verify.NewService(dir, m, cfg.Server.BaseURL, cfg.Verification.TokenExpiry)

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()

	setupMiddleware(e, cfg)
	setupRoutes(e, verifier, cfg)

	return startWithGracefulShutdown(e, cfg)
}

func setupRoutes(e *echo.Echo, verifier *verify.Service, cfg *config.Config) {
	h := handlers.New(verifier, &cfg.Verification)

	e.GET("/health", h.Health)
	e.GET("/verify", h.VerifyEmail)
	e.GET("/users/:id/verified", h.UserVerified)

	e.POST("/webhooks/order-processed", h.OrderProcessed)
	e.POST("/webhooks/thank-you", h.ThankYou)
	e.POST("/auth/login-attempt", h.LoginAttempt)
}

func startWithGracefulShutdown(e *echo.Echo, cfg *config.Config) error {
	errChan := make(chan error, 1)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		slog.Info("Server running", "url", cfg.Server.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}
