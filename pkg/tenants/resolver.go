package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound indicates the tenant does not exist in the central store
var ErrNotFound = errors.New("tenant not found")

// Resolver looks up tenants in the central store. Domain resolution runs on
// every request, so results are held in small LRU caches.
type Resolver struct {
	db *sql.DB

	byID     *lru.Cache[string, *Tenant]
	byDomain *lru.Cache[string, *Tenant]

	// centralDomains is replaced wholesale on config reload while FromHost
	// reads it on every request, so access goes through centralMu.
	centralMu      sync.RWMutex
	centralDomains map[string]struct{}
	domainSuffix   string
}

// NewResolver creates a tenant resolver. centralDomains are hosts that never
// resolve to a tenant; domainSuffix enables the "<slug>.<suffix>" shortcut
// that avoids a database hit for standard tenant subdomains.
func NewResolver(db *sql.DB, centralDomains []string, domainSuffix string) (*Resolver, error) {
	byID, err := lru.New[string, *Tenant](512)
	if err != nil {
		return nil, err
	}
	byDomain, err := lru.New[string, *Tenant](512)
	if err != nil {
		return nil, err
	}

	central := make(map[string]struct{}, len(centralDomains))
	for _, d := range centralDomains {
		central[strings.ToLower(d)] = struct{}{}
	}

	return &Resolver{
		db:             db,
		byID:           byID,
		byDomain:       byDomain,
		centralDomains: central,
		domainSuffix:   strings.ToLower(domainSuffix),
	}, nil
}

// SetCentralDomains replaces the recognized central-domain list (hot reload)
func (r *Resolver) SetCentralDomains(domains []string) {
	central := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		central[strings.ToLower(d)] = struct{}{}
	}
	r.centralMu.Lock()
	r.centralDomains = central
	r.centralMu.Unlock()
}

// ByID resolves a tenant by its slug
func (r *Resolver) ByID(ctx context.Context, id string) (*Tenant, error) {
	if t, ok := r.byID.Get(id); ok {
		return t, nil
	}

	t, err := r.query(ctx, `SELECT id, display_name, domain, status, created_at FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	r.cache(t)
	return t, nil
}

// ByDomain resolves a tenant by its exact domain
func (r *Resolver) ByDomain(ctx context.Context, domain string) (*Tenant, error) {
	domain = strings.ToLower(domain)
	if t, ok := r.byDomain.Get(domain); ok {
		return t, nil
	}

	t, err := r.query(ctx, `SELECT id, display_name, domain, status, created_at FROM tenants WHERE domain = $1`, domain)
	if err != nil {
		return nil, err
	}
	r.cache(t)
	return t, nil
}

// FromHost resolves the tenant implied by a request host. Central domains
// resolve to (nil, nil): the request belongs to the shared central surface.
func (r *Resolver) FromHost(ctx context.Context, host string) (*Tenant, error) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	r.centralMu.RLock()
	_, central := r.centralDomains[host]
	r.centralMu.RUnlock()
	if central {
		return nil, nil
	}

	if r.domainSuffix != "" {
		if slug, found := strings.CutSuffix(host, "."+r.domainSuffix); found && !strings.Contains(slug, ".") {
			return r.ByID(ctx, slug)
		}
	}

	return r.ByDomain(ctx, host)
}

// Invalidate drops a tenant from the resolver caches
func (r *Resolver) Invalidate(t *Tenant) {
	r.byID.Remove(t.ID)
	r.byDomain.Remove(strings.ToLower(t.Domain))
}

func (r *Resolver) query(ctx context.Context, q string, arg string) (*Tenant, error) {
	t := &Tenant{}
	err := r.db.QueryRowContext(ctx, q, arg).Scan(&t.ID, &t.DisplayName, &t.Domain, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return t, nil
}

func (r *Resolver) cache(t *Tenant) {
	r.byID.Add(t.ID, t)
	r.byDomain.Add(strings.ToLower(t.Domain), t)
}
