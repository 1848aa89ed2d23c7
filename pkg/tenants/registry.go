package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	// Tenant stores run on PostgreSQL in production and SQLite in
	// development and test fixtures.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/medbridge-io/medbridge/pkg/contextkeys"
)

// ErrAlreadyActive indicates a tenant store activation was attempted while
// another activation is still live on the same context. Activations must not
// nest.
var ErrAlreadyActive = errors.New("a tenant store is already active")

// ErrNoStore indicates no data store is registered for the tenant
var ErrNoStore = errors.New("no data store registered for tenant")

// StoreConfig describes how to open a tenant's isolated data store
type StoreConfig struct {
	Driver string
	DSN    string
}

// Activation is the scoped handle for an active tenant store. It is carried
// on the context and invalidated by its release func, so a leaked context
// cannot reach a store past the end of its unit of work.
type Activation struct {
	tenantID string

	mu       sync.Mutex
	db       *sql.DB
	released bool
}

// DB returns the active store, or false after release
func (a *Activation) DB() (*sql.DB, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, false
	}
	return a.db, true
}

// TenantID returns the tenant the activation belongs to
func (a *Activation) TenantID() string {
	return a.tenantID
}

// StoreRegistry manages connections to per-tenant data stores. Store
// locations live in the central store and connections are opened lazily and
// pooled for reuse.
type StoreRegistry struct {
	central *sql.DB

	mu      sync.Mutex
	stores  map[string]*sql.DB
	configs map[string]StoreConfig
}

// NewStoreRegistry creates a registry backed by the central store's
// tenant_stores table
func NewStoreRegistry(central *sql.DB) *StoreRegistry {
	return &StoreRegistry{
		central: central,
		stores:  make(map[string]*sql.DB),
		configs: make(map[string]StoreConfig),
	}
}

// Register sets a tenant's store location directly, bypassing the central
// store lookup. Used at startup and in tests.
func (r *StoreRegistry) Register(tenantID string, cfg StoreConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[tenantID] = cfg
}

// Activate opens the tenant's data store and returns a derived context
// carrying it, plus a release func. The release func is idempotent and must
// run on every exit path; until it runs the context is the only way to reach
// the store. Activations do not nest.
func (r *StoreRegistry) Activate(ctx context.Context, tenant *Tenant) (context.Context, func(), error) {
	if act, ok := activationFromContext(ctx); ok {
		if _, live := act.DB(); live {
			return ctx, nil, ErrAlreadyActive
		}
	}

	db, err := r.db(ctx, tenant.ID)
	if err != nil {
		return ctx, nil, err
	}

	act := &Activation{tenantID: tenant.ID, db: db}
	release := func() {
		act.mu.Lock()
		act.released = true
		act.db = nil
		act.mu.Unlock()
	}
	return context.WithValue(ctx, contextkeys.TenantStoreKey, act), release, nil
}

// WithStore attaches an already-open database as the active tenant store.
// Intended for tests and one-off tooling; production code goes through
// StoreRegistry.Activate.
func WithStore(ctx context.Context, tenantID string, db *sql.DB) (context.Context, func()) {
	act := &Activation{tenantID: tenantID, db: db}
	release := func() {
		act.mu.Lock()
		act.released = true
		act.db = nil
		act.mu.Unlock()
	}
	return context.WithValue(ctx, contextkeys.TenantStoreKey, act), release
}

// StoreFromContext returns the active tenant store, if any
func StoreFromContext(ctx context.Context) (*sql.DB, bool) {
	act, ok := activationFromContext(ctx)
	if !ok {
		return nil, false
	}
	return act.DB()
}

// Close closes every opened tenant store connection
func (r *StoreRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, db := range r.stores {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store for %s: %w", id, err))
		}
		delete(r.stores, id)
	}
	return errors.Join(errs...)
}

func activationFromContext(ctx context.Context) (*Activation, bool) {
	act, ok := ctx.Value(contextkeys.TenantStoreKey).(*Activation)
	return act, ok
}

func (r *StoreRegistry) db(ctx context.Context, tenantID string) (*sql.DB, error) {
	r.mu.Lock()
	if db, ok := r.stores[tenantID]; ok {
		r.mu.Unlock()
		return db, nil
	}
	cfg, ok := r.configs[tenantID]
	r.mu.Unlock()

	if !ok {
		var err error
		cfg, err = r.lookupConfig(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant store: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stores[tenantID]; ok {
		db.Close()
		return existing, nil
	}
	r.configs[tenantID] = cfg
	r.stores[tenantID] = db
	return db, nil
}

func (r *StoreRegistry) lookupConfig(ctx context.Context, tenantID string) (StoreConfig, error) {
	var cfg StoreConfig
	err := r.central.QueryRowContext(ctx,
		`SELECT store_driver, store_dsn FROM tenant_stores WHERE tenant_id = $1`,
		tenantID,
	).Scan(&cfg.Driver, &cfg.DSN)
	if err == sql.ErrNoRows {
		return cfg, ErrNoStore
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to look up tenant store: %w", err)
	}
	return cfg, nil
}
