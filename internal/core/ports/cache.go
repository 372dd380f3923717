package ports

import (
	"context"
	"time"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
)

// Cache is the generic key-value cache contract.
// Timeouts accept cacheentry.DefaultTimeout and cacheentry.NoTimeout; zero or
// negative timeouts store an entry that is already expired.
type Cache interface {
	// Get returns the decoded value for key. ok=false if absent or expired.
	Get(ctx context.Context, key string) (any, bool, error)
	// GetMany returns values only for keys that are present and unexpired.
	GetMany(ctx context.Context, keys []string) (map[string]any, error)
	// Set creates or replaces key unconditionally.
	Set(ctx context.Context, key string, value any, timeout time.Duration) error
	// SetMany upserts every entry of data in one batch.
	SetMany(ctx context.Context, data map[string]any, timeout time.Duration) error
	// Add stores value only if key is absent or expired and reports whether it did.
	Add(ctx context.Context, key string, value any, timeout time.Duration) (bool, error)
	// Delete removes the key; absence is not an error.
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMany(ctx context.Context, keys []string) error
	HasKey(ctx context.Context, key string) (bool, error)
	// Touch moves the expiry of a live key; a no-op for absent or expired keys.
	Touch(ctx context.Context, key string, timeout time.Duration) error
	// Incr adds delta to an integer entry and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Decr(ctx context.Context, key string, delta int64) (int64, error)
	// GetOrSet returns the live value for key, storing the result of load when absent.
	GetOrSet(ctx context.Context, key string, load func(ctx context.Context) (any, error), timeout time.Duration) (any, error)
	// IncrVersion moves key to version+delta and returns the new version.
	IncrVersion(ctx context.Context, key string, delta int) (int, error)
	DecrVersion(ctx context.Context, key string, delta int) (int, error)
	// Clear removes every entry regardless of prefix or version.
	Clear(ctx context.Context) error

	MakeKey(key string) string
	ValidateKey(key string) error
}

// KeyFunc builds the storage key from a user key, the configured prefix and a version.
type KeyFunc func(key, prefix string, version int) string

// ReverseKeyFunc inverts a KeyFunc.
type ReverseKeyFunc func(fullKey string) (key, prefix string, version int, err error)

// PrefixCache is a Cache that can also scan by user-key prefix.
type PrefixCache interface {
	Cache
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)
	GetWithPrefix(ctx context.Context, prefix string) (map[string]any, error)
	DeleteWithPrefix(ctx context.Context, prefix string) (int64, error)
}

// CacheCuller trims a cache table.
type CacheCuller interface {
	Table() string
	Cull(ctx context.Context) (int64, error)
	// PurgeExpired deletes the expired rows among raw storage keys.
	PurgeExpired(ctx context.Context, storageKeys []string) (int64, error)
}

// KeyWalker visits primary keys of a table in bounded chunks.
type KeyWalker interface {
	Keys(ctx context.Context, fn func(ctx context.Context, keys []string) error) error
}

// CacheAPI is the JSON-facing cache used by transports. Values are decoded
// JSON; integral numbers are stored as integers.
type CacheAPI interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, timeout time.Duration) error
	Add(ctx context.Context, key string, value any, timeout time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Touch(ctx context.Context, key string, timeout time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// CacheMaintainer runs one purge and cull pass on demand.
type CacheMaintainer interface {
	RunOnce(ctx context.Context) (*cacheentry.CullReport, error)
}
