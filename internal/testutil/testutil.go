// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package testutil provides test helpers and fixtures.
package testutil

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"

	"github.com/storekit/verimail/internal/database"
	"github.com/storekit/verimail/internal/directory"
)

// NewTestDB creates an in-memory SQLite database for tests.
// Returns both the database connection and the directory for convenience.
func NewTestDB(t *testing.T) (*sqlx.DB, *directory.Directory) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, directory.New(db)
}

// NewTestUser creates a test user in the directory.
func NewTestUser(t *testing.T, dir *directory.Directory, email string) *directory.User {
	t.Helper()
	user, err := dir.Create(context.Background(), email, "Test", "User")
	require.NoError(t, err)
	return user
}

// Message is a mail captured by the fake Notifier.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier records sent messages instead of delivering them. Set Err to
// make every send fail.
type Notifier struct {
	mu   sync.Mutex
	Err  error
	Sent []Message
}

func (n *Notifier) Send(_ context.Context, to, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Count returns how many messages have been sent.
func (n *Notifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}

// Last returns the most recently sent message.
func (n *Notifier) Last(t *testing.T) Message {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.Sent)
	return n.Sent[len(n.Sent)-1]
}

// NewEchoContext creates an Echo context for handler tests.
func NewEchoContext(e *echo.Echo, method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}
