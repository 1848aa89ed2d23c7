// Package membership provides read-only lookups of tenant membership
// records. A membership row's existence is the authorization to access a
// tenant; there are no other fields this service consults.
package membership

import (
	"context"
	"database/sql"
	"fmt"
)

// Store checks tenant memberships in the central store
type Store struct {
	db *sql.DB
}

// NewStore creates a membership store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Exists reports whether userID holds membership in tenantID. The check is
// scoped to exactly one tenant; the store never enumerates a user's tenants.
func (s *Store) Exists(ctx context.Context, tenantID string, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2)`,
		tenantID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}
