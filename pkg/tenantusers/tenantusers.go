// Package tenantusers reads and updates user records inside a tenant's own
// data store. Records are provisioned out-of-band; nothing in this package
// ever creates one.
package tenantusers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medbridge-io/medbridge/pkg/tenants"
)

// ErrNotFound indicates the tenant store holds no record for the email
var ErrNotFound = errors.New("tenant user not found")

// ErrNoActiveStore indicates no tenant store activation is live on the context
var ErrNoActiveStore = errors.New("no active tenant store")

// User is a per-tenant user record, keyed by email within the tenant's store
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// ByEmail looks up a user record in the currently activated tenant store
func ByEmail(ctx context.Context, email string) (*User, error) {
	db, ok := tenants.StoreFromContext(ctx)
	if !ok {
		return nil, ErrNoActiveStore
	}

	u := &User{}
	err := db.QueryRowContext(ctx,
		`SELECT id, email, display_name FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant user: %w", err)
	}
	return u, nil
}

// SyncDisplayName updates the record's display name when the IdP reports a
// different one. A no-op when the names already match or the IdP sent none.
func SyncDisplayName(ctx context.Context, user *User, name string) error {
	if name == "" || name == user.DisplayName {
		return nil
	}

	db, ok := tenants.StoreFromContext(ctx)
	if !ok {
		return ErrNoActiveStore
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE users SET display_name = $1 WHERE id = $2`,
		name, user.ID,
	); err != nil {
		return fmt.Errorf("failed to sync display name: %w", err)
	}
	user.DisplayName = name
	return nil
}
