// Package tenants provides the tenant model, host-based tenant resolution,
// and scoped activation of per-tenant data stores.
package tenants

import "time"

// Status represents tenant lifecycle status
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant represents an isolated practice workspace. The ID is a routable
// slug and is immutable once created.
type Tenant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Domain      string    `json:"domain"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoginURL returns the tenant's own login page
func (t *Tenant) LoginURL() string {
	return "https://" + t.Domain + "/login"
}

// BaseURL returns the tenant's domain root
func (t *Tenant) BaseURL() string {
	return "https://" + t.Domain
}
