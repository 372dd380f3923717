package ports

import "context"

// HealthChecker reports on one dependency of the cache server, such as the
// database connection or a cache table. The /health endpoint runs every
// registered checker and lists each result under its Name.
type HealthChecker interface {
	// Name keys the result in the health response, e.g. "database" or
	// "cache:mysql_cache".
	Name() string
	// Check returns nil when the dependency is usable. It must give up once
	// ctx is done.
	Check(ctx context.Context) error
}
