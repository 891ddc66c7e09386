// Package platform provides the storage driver contract the persistence
// layer (C1–C5) is built against: a parameterized-query endpoint, and a
// byte-oriented cache endpoint for the L2 tier.
package platform

import (
	"context"
	"time"
)

// Driver is the base interface for all platform drivers. Every driver must
// be nameable, startable, stoppable, and health-checkable.
type Driver interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ping(ctx context.Context) error
}

// =====================================================
// Storage Drivers (C1)
// =====================================================

// StorageDriver provides synchronous parameterized-query execution against
// one storage endpoint. This is what spec.md calls the core's one
// surrounding collaborator for persistence.
type StorageDriver interface {
	Driver

	// Type returns the storage type (postgres, sqlite, etc.).
	Type() string

	// DB returns the underlying database connection for advanced queries.
	// Use with caution; prefer the typed methods.
	DB() any

	// Transaction executes operations within a database transaction.
	Transaction(ctx context.Context, fn func(tx StorageTx) error) error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error

	// Validate runs the configured validation query and reports whether
	// the endpoint is healthy.
	Validate(ctx context.Context, query string) error

	// Stats returns storage statistics.
	Stats() StorageStats
}

// StorageTx represents a storage transaction.
type StorageTx interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Commit() error
	Rollback() error
}

// Rows represents query result rows.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Row represents a single result row.
type Row interface {
	Scan(dest ...any) error
}

// StorageStats holds storage connection pool metrics.
type StorageStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	MaxOpen         int           `json:"max_open"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
}

// =====================================================
// Cache Drivers (C4 L2 tier)
// =====================================================

// CacheDriver provides the byte-oriented external cache capability backing
// the L2 tier of the multi-tier cache when it is not purely in-process.
type CacheDriver interface {
	Driver

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMulti(ctx context.Context, items map[string][]byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Flush(ctx context.Context) error
}

// =====================================================
// Driver Registry
// =====================================================

// Registry manages platform drivers with deterministic startup/shutdown
// ordering: storage before cache, reverse order on stop.
type Registry struct {
	storage StorageDriver
	cache   CacheDriver
	custom  map[string]Driver
}

// NewRegistry creates a new driver registry.
func NewRegistry() *Registry {
	return &Registry{custom: make(map[string]Driver)}
}

// SetStorage sets the storage driver.
func (r *Registry) SetStorage(d StorageDriver) { r.storage = d }

// Storage returns the storage driver.
func (r *Registry) Storage() StorageDriver { return r.storage }

// SetCache sets the cache driver.
func (r *Registry) SetCache(d CacheDriver) { r.cache = d }

// Cache returns the cache driver.
func (r *Registry) Cache() CacheDriver { return r.cache }

// Register adds a custom driver.
func (r *Registry) Register(name string, d Driver) {
	r.custom[name] = d
}

// Get retrieves a custom driver by name.
func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.custom[name]
	return d, ok
}

// StartAll starts all registered drivers, storage first.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, d := range r.allDrivers() {
		if d == nil {
			continue
		}
		if err := d.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered drivers in reverse order.
func (r *Registry) StopAll(ctx context.Context) error {
	drivers := r.allDrivers()
	var lastErr error
	for i := len(drivers) - 1; i >= 0; i-- {
		if drivers[i] == nil {
			continue
		}
		if err := drivers[i].Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// PingAll checks health of all drivers.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, d := range r.allDrivers() {
		if d == nil {
			continue
		}
		results[d.Name()] = d.Ping(ctx)
	}
	return results
}

func (r *Registry) allDrivers() []Driver {
	result := []Driver{r.storage, r.cache}
	for _, d := range r.custom {
		result = append(result, d)
	}
	return result
}
