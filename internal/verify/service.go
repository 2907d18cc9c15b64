// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package verify owns the email-verification lifecycle: token issuance,
// token consumption and the verified/unverified gate used at login.
package verify

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/storekit/verimail/internal/directory"
	"github.com/storekit/verimail/internal/i18n"
)

var (
	// ErrUserNotFound is returned when an operation references an
	// unknown user ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenMismatch is returned when a presented token does not
	// match the outstanding one, none is outstanding, or it expired.
	ErrTokenMismatch = errors.New("verification token mismatch")
	// ErrNotificationFailed wraps mail delivery errors. The token has
	// been issued when this is returned; only delivery failed.
	ErrNotificationFailed = errors.New("verification email delivery failed")
)

// Attribute keys under which verification state is stored per user.
const (
	attrVerified           = "verified"
	attrPendingToken       = "pending_token"
	attrPendingTokenExpiry = "pending_token_expires_at"
)

// DefaultTokenExpiry is how long verification tokens are valid unless
// configured otherwise.
const DefaultTokenExpiry = 24 * time.Hour

// Directory is the user store the service persists its state in.
// Implemented by directory.Directory.
type Directory interface {
	Create(ctx context.Context, email, firstName, lastName string) (*directory.User, error)
	FindByID(ctx context.Context, id string) (*directory.User, error)
	FindByEmail(ctx context.Context, email string) (*directory.User, error)
	GetAttribute(ctx context.Context, userID, key string) (string, bool, error)
	SetAttribute(ctx context.Context, userID, key, value string) error
	DeleteAttribute(ctx context.Context, userID, key string) error
	ConsumeAttribute(ctx context.Context, userID, key, expected string) (bool, error)
}

// Notifier delivers a message to an address. Implemented by mailer.Mailer.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Service implements the verification-token lifecycle.
type Service struct {
	dir         Directory
	notifier    Notifier
	baseURL     string
	tokenExpiry time.Duration
}

// NewService creates a new verification service. baseURL is the public
// URL verification links are built on.
func NewService(dir Directory, notifier Notifier, baseURL string, tokenExpiry time.Duration) *Service {
	if tokenExpiry <= 0 {
		tokenExpiry = DefaultTokenExpiry
	}
	return &Service{
		dir:         dir,
		notifier:    notifier,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		tokenExpiry: tokenExpiry,
	}
}

// EnsureAccount returns the user registered under email, creating one
// with verified=false if none exists. The second return value reports
// whether this call created the user.
func (s *Service) EnsureAccount(ctx context.Context, email, firstName, lastName string) (*directory.User, bool, error) {
	user, err := s.dir.FindByEmail(ctx, email)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, directory.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up email: %w", err)
	}

	user, err = s.dir.Create(ctx, email, firstName, lastName)
	if err != nil {
		if errors.Is(err, directory.ErrEmailExists) {
			// Lost a creation race; the account exists now.
			user, err = s.dir.FindByEmail(ctx, email)
			if err != nil {
				return nil, false, fmt.Errorf("failed to look up email: %w", err)
			}
			return user, false, nil
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.dir.SetAttribute(ctx, user.ID, attrVerified, "false"); err != nil {
		return nil, false, err
	}

	slog.Info("account_created", "user_id", user.ID, "email", email)
	return user, true, nil
}

// IssueToken generates a fresh token for the user and stores its hash
// as the single outstanding pending token, invalidating any prior one.
// The returned plaintext is for the caller to embed in a link.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	if _, err := s.dir.FindByID(ctx, userID); err != nil {
		return "", wrapNotFound(err)
	}

	plaintext, hash, err := GenerateToken()
	if err != nil {
		return "", err
	}

	// Expiry is written before the token so a confirm racing this
	// issue never sees the new token with the old deadline.
	expiresAt := time.Now().Add(s.tokenExpiry)
	if err := s.dir.SetAttribute(ctx, userID, attrPendingTokenExpiry, expiresAt.Format(time.RFC3339)); err != nil {
		return "", err
	}
	if err := s.dir.SetAttribute(ctx, userID, attrPendingToken, hash); err != nil {
		return "", err
	}

	slog.Info("token_issued", "user_id", userID, "expires_at", expiresAt)
	return plaintext, nil
}

// SendVerification issues a fresh token and mails a verification link
// to the given address. When delivery fails the token stays issued and
// the returned error wraps ErrNotificationFailed.
func (s *Service) SendVerification(ctx context.Context, userID, email string) error {
	token, err := s.IssueToken(ctx, userID)
	if err != nil {
		return err
	}

	link := s.VerificationLink(userID, token)
	subject := i18n.T(ctx, "verification_email_subject")
	body := i18n.TData(ctx, "verification_email_body", map[string]any{
		"VerifyURL": link,
	})

	if err := s.notifier.Send(ctx, email, subject, body); err != nil {
		slog.Error("verification_send_failed", "user_id", userID, "email", email, "error", err)
		return fmt.Errorf("%w: %w", ErrNotificationFailed, err)
	}

	slog.Info("verification_sent", "user_id", userID, "email", email)
	return nil
}

// VerificationLink builds the link a user follows to confirm their address.
func (s *Service) VerificationLink(userID, token string) string {
	return fmt.Sprintf("%s/verify?user_id=%s&token=%s",
		s.baseURL, url.QueryEscape(userID), url.QueryEscape(token))
}

// Confirm consumes the user's outstanding token. On success the user is
// marked verified and the token is cleared, so each issued token
// verifies at most once even under concurrent duplicate requests.
func (s *Service) Confirm(ctx context.Context, userID, presented string) error {
	if _, err := s.dir.FindByID(ctx, userID); err != nil {
		return wrapNotFound(err)
	}

	stored, ok, err := s.dir.GetAttribute(ctx, userID, attrPendingToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenMismatch
	}

	if expired, err := s.tokenExpired(ctx, userID); err != nil {
		return err
	} else if expired {
		_ = s.dir.DeleteAttribute(ctx, userID, attrPendingToken)
		_ = s.dir.DeleteAttribute(ctx, userID, attrPendingTokenExpiry)
		slog.Info("token_expired", "user_id", userID)
		return ErrTokenMismatch
	}

	if subtle.ConstantTimeCompare([]byte(HashToken(presented)), []byte(stored)) != 1 {
		slog.Warn("verification_failed", "user_id", userID, "reason", "token_mismatch")
		return ErrTokenMismatch
	}

	// Atomic compare-and-delete; a concurrent duplicate confirm loses
	// here and reports a mismatch instead of re-verifying.
	consumed, err := s.dir.ConsumeAttribute(ctx, userID, attrPendingToken, stored)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrTokenMismatch
	}

	if err := s.dir.DeleteAttribute(ctx, userID, attrPendingTokenExpiry); err != nil {
		return err
	}
	if err := s.dir.SetAttribute(ctx, userID, attrVerified, "true"); err != nil {
		return err
	}

	slog.Info("email_verified", "user_id", userID)
	return nil
}

// IsVerified reports whether the user's email address is verified.
func (s *Service) IsVerified(ctx context.Context, userID string) (bool, error) {
	if _, err := s.dir.FindByID(ctx, userID); err != nil {
		return false, wrapNotFound(err)
	}

	value, ok, err := s.dir.GetAttribute(ctx, userID, attrVerified)
	if err != nil {
		return false, err
	}
	return ok && value == "true", nil
}

// ResendIfUnverified sends a fresh verification email unless the user
// is already verified. It reports the user's verified state. A delivery
// failure does not surface as an error here; the state check is the
// primary result and the user can trigger another send later.
func (s *Service) ResendIfUnverified(ctx context.Context, userID string) (bool, error) {
	user, err := s.dir.FindByID(ctx, userID)
	if err != nil {
		return false, wrapNotFound(err)
	}

	verified, err := s.IsVerified(ctx, userID)
	if err != nil {
		return false, err
	}
	if verified {
		return true, nil
	}

	if err := s.SendVerification(ctx, userID, user.Email); err != nil && !errors.Is(err, ErrNotificationFailed) {
		return false, err
	}
	return false, nil
}

// GateAuthentication decides whether a login attempt may proceed.
// Unverified users are blocked and get a fresh verification email.
func (s *Service) GateAuthentication(ctx context.Context, userID string) (bool, error) {
	verified, err := s.ResendIfUnverified(ctx, userID)
	if err != nil {
		return false, err
	}
	if !verified {
		slog.Info("login_blocked", "user_id", userID, "reason", "email_not_verified")
	}
	return verified, nil
}

// tokenExpired reports whether the outstanding token is past its
// deadline. A missing or unparsable deadline counts as expired.
func (s *Service) tokenExpired(ctx context.Context, userID string) (bool, error) {
	value, ok, err := s.dir.GetAttribute(ctx, userID, attrPendingTokenExpiry)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	expiresAt, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return true, nil
	}
	return time.Now().After(expiresAt), nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}
