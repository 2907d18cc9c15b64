// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package handlers maps the storefront's lifecycle events onto the
// verification service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/storekit/verimail/internal/config"
	"github.com/storekit/verimail/internal/i18n"
	"github.com/storekit/verimail/internal/verify"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	verifier *verify.Service
	cfg      *config.VerificationConfig
}

// New creates a new Handlers instance.
func New(verifier *verify.Service, cfg *config.VerificationConfig) *Handlers {
	return &Handlers{verifier: verifier, cfg: cfg}
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// OrderProcessedRequest is the payload of the order-processed webhook.
type OrderProcessedRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// OrderProcessed handles the storefront's order-processed event. An
// unknown billing email gets an account with a verification mail; a
// known one is left untouched.
func (h *Handlers) OrderProcessed(c echo.Context) error {
	var req OrderProcessedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	user, created, err := h.verifier.EnsureAccount(ctx, req.Email, req.FirstName, req.LastName)
	if err != nil {
		slog.Error("account_ensure_failed", "email", req.Email, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create account"})
	}

	sent := false
	if created {
		sendErr := h.verifier.SendVerification(ctx, user.ID, user.Email)
		switch {
		case sendErr == nil:
			sent = true
		case errors.Is(sendErr, verify.ErrNotificationFailed):
			// Account creation stands; delivery already logged.
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue verification token"})
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]any{
		"user_id":           user.ID,
		"created":           created,
		"verification_sent": sent,
	})
}

// VerifyEmail handles a visited verification link and redirects to the
// storefront's success or failure page.
func (h *Handlers) VerifyEmail(c echo.Context) error {
	userID := c.QueryParam("user_id")
	token := c.QueryParam("token")
	if userID == "" || token == "" {
		return c.Redirect(http.StatusSeeOther, h.cfg.FailureURL)
	}

	err := h.verifier.Confirm(c.Request().Context(), userID, token)
	switch {
	case err == nil:
		return c.Redirect(http.StatusSeeOther, h.cfg.SuccessURL)
	case errors.Is(err, verify.ErrUserNotFound), errors.Is(err, verify.ErrTokenMismatch):
		return c.Redirect(http.StatusSeeOther, h.cfg.FailureURL)
	default:
		slog.Error("verification_confirm_failed", "user_id", userID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "verification failed"})
	}
}

// LoginAttemptRequest is the payload of the login-attempt event.
type LoginAttemptRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// LoginAttempt gates a login on the verified state. Blocked logins get
// a message distinct from generic credential failures, and a fresh
// verification mail has been sent by the time the response goes out.
func (h *Handlers) LoginAttempt(c echo.Context) error {
	var req LoginAttemptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	allowed, err := h.verifier.GateAuthentication(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, verify.ErrUserNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "login gate failed"})
	}

	if !allowed {
		return c.JSON(http.StatusForbidden, map[string]any{
			"allowed": false,
			"reason":  "email_not_verified",
			"message": i18n.T(ctx, "login_blocked_unverified"),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"allowed": true})
}

// ThankYouRequest is the payload of the thank-you page event.
type ThankYouRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// ThankYou handles the order confirmation page render: unverified
// customers get a resent verification mail and the banner message the
// storefront displays.
func (h *Handlers) ThankYou(c echo.Context) error {
	var req ThankYouRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	verified, err := h.verifier.ResendIfUnverified(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, verify.ErrUserNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "resend failed"})
	}

	if verified {
		return c.JSON(http.StatusOK, map[string]any{"verified": true})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"verified": false,
		"message":  i18n.T(ctx, "thank_you_unverified"),
	})
}

// UserVerified reports the verified state of a user.
func (h *Handlers) UserVerified(c echo.Context) error {
	userID := c.Param("id")

	verified, err := h.verifier.IsVerified(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, verify.ErrUserNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "user not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"user_id":  userID,
		"verified": verified,
	})
}
