// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package directory is the user store: account records plus a per-user
// key/value attribute table that other services persist their state in.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinovest/sqlx"
)

var (
	// ErrNotFound is returned when a user or attribute does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrEmailExists is returned when creating a user with an email
	// that is already on file.
	ErrEmailExists = errors.New("email already registered")
)

// User is an account record. The ID is an opaque UUID assigned at
// creation and never changes.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Directory provides access to users and their attributes.
type Directory struct {
	db *sqlx.DB
}

// New creates a new Directory backed by the given database.
func New(db *sqlx.DB) *Directory {
	return &Directory{db: db}
}

// Create inserts a new user with a freshly generated ID.
func (d *Directory) Create(ctx context.Context, email, firstName, lastName string) (*User, error) {
	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.FirstName, user.LastName)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return d.FindByID(ctx, user.ID)
}

// FindByID retrieves a user by ID.
func (d *Directory) FindByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := d.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// FindByEmail retrieves a user by email address.
func (d *Directory) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := d.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, wrapError(err)
	}
	return &user, nil
}

// GetAttribute returns the value of a user attribute. The second return
// value reports whether the attribute is set.
func (d *Directory) GetAttribute(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := d.db.GetContext(ctx, &value,
		`SELECT value FROM user_attributes WHERE user_id = ? AND key = ?`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting attribute %q: %w", key, err)
	}
	return value, true, nil
}

// SetAttribute sets a user attribute, overwriting any existing value.
func (d *Directory) SetAttribute(ctx context.Context, userID, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO user_attributes (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("setting attribute %q: %w", key, err)
	}
	return nil
}

// DeleteAttribute removes a user attribute. Deleting an attribute that
// is not set is not an error.
func (d *Directory) DeleteAttribute(ctx context.Context, userID, key string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM user_attributes WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("deleting attribute %q: %w", key, err)
	}
	return nil
}

// ConsumeAttribute deletes an attribute only if it still holds the
// expected value, in a single conditional statement. It reports whether
// this call removed the attribute, so concurrent consumers of the same
// value observe at most one success.
func (d *Directory) ConsumeAttribute(ctx context.Context, userID, key, expected string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM user_attributes WHERE user_id = ? AND key = ? AND value = ?`,
		userID, key, expected)
	if err != nil {
		return false, fmt.Errorf("consuming attribute %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// wrapError converts database errors to directory errors.
func wrapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
