package health

import (
	"context"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
	infraDB "github.com/adamchainz/django-mysql-sub000/internal/infrastructure/db"
)

// probeKey is looked up, never written, by the cache checker.
const probeKey = "__health__"

// dbHealthChecker wraps the database for health checks.
type dbHealthChecker struct{ db *infraDB.Database }

func (d *dbHealthChecker) Name() string                    { return "database" }
func (d *dbHealthChecker) Check(ctx context.Context) error { return d.db.DB.PingContext(ctx) }

// cacheHealthChecker reads from the cache table, catching a missing table or
// revoked grants that a ping would not.
type cacheHealthChecker struct {
	name  string
	cache ports.Cache
}

func (c *cacheHealthChecker) Name() string { return c.name }
func (c *cacheHealthChecker) Check(ctx context.Context) error {
	_, err := c.cache.HasKey(ctx, probeKey)
	return err
}

// NewDBHealthChecker creates a health checker for the database.
func NewDBHealthChecker(db *infraDB.Database) ports.HealthChecker { return &dbHealthChecker{db: db} }

// NewCacheHealthChecker creates a health checker named "cache:<table>".
func NewCacheHealthChecker(table string, cache ports.Cache) ports.HealthChecker {
	return &cacheHealthChecker{name: "cache:" + table, cache: cache}
}
