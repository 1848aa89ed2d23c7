// Package identity provides read-only lookups of central user accounts.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound indicates no central account matches the lookup
var ErrNotFound = errors.New("central user not found")

// User is a central account shared across tenants. ExternalSubject is set
// only for accounts that originated from the identity provider.
type User struct {
	ID              int64   `json:"id"`
	Email           string  `json:"email"`
	DisplayName     string  `json:"display_name"`
	ExternalSubject *string `json:"external_subject,omitempty"`
}

// FromIdP reports whether the account originated from the identity provider
func (u *User) FromIdP() bool {
	return u.ExternalSubject != nil && *u.ExternalSubject != ""
}

// Resolver looks up central users. All operations are read-only.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a resolver over the central store
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// BySubject resolves a user by exact external-subject match. There is
// deliberately no fallback to email here: a reused email address must never
// attach an IdP identity to someone else's account.
func (r *Resolver) BySubject(ctx context.Context, subject string) (*User, error) {
	return r.query(ctx,
		`SELECT id, email, display_name, external_subject FROM users WHERE external_subject = $1`,
		subject,
	)
}

// ByEmail resolves a user by their unique email address
func (r *Resolver) ByEmail(ctx context.Context, email string) (*User, error) {
	return r.query(ctx,
		`SELECT id, email, display_name, external_subject FROM users WHERE email = $1`,
		email,
	)
}

// ByID resolves a user by primary key
func (r *Resolver) ByID(ctx context.Context, id int64) (*User, error) {
	return r.query(ctx,
		`SELECT id, email, display_name, external_subject FROM users WHERE id = $1`,
		id,
	)
}

func (r *Resolver) query(ctx context.Context, q string, arg interface{}) (*User, error) {
	u := &User{}
	var subject sql.NullString
	err := r.db.QueryRowContext(ctx, q, arg).Scan(&u.ID, &u.Email, &u.DisplayName, &subject)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	if subject.Valid {
		u.ExternalSubject = &subject.String
	}
	return u, nil
}
