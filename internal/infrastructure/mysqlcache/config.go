package mysqlcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// UnlimitedEntries disables the size-based part of a cull.
const UnlimitedEntries = -1

// Config configures a MySQLCache. Use DefaultConfig and override fields.
type Config struct {
	// Table is the cache table name.
	Table string
	// KeyPrefix and Version are passed to KeyFunc for every key.
	KeyPrefix string
	Version   int
	// DefaultTimeout applies when an operation is given cacheentry.DefaultTimeout.
	DefaultTimeout time.Duration

	// CompressMinLength is the serialized size at which values are zlib-compressed.
	// Zero disables compression.
	CompressMinLength int
	// CompressLevel is the zlib level, 0-9.
	CompressLevel int

	// CullProbability is the chance, 0-1, that a write runs Cull first.
	CullProbability float64
	// MaxEntries is the row count above which a cull removes live rows too.
	MaxEntries int
	// CullFrequency removes 1/CullFrequency of the rows on a size-based cull; 0 removes all.
	CullFrequency int

	KeyFunc        ports.KeyFunc
	ReverseKeyFunc ports.ReverseKeyFunc
}

// DefaultConfig returns the stock settings for table.
func DefaultConfig(table string) Config {
	return Config{
		Table:             table,
		Version:           1,
		DefaultTimeout:    300 * time.Second,
		CompressMinLength: 5000,
		CompressLevel:     6,
		CullProbability:   0.01,
		MaxEntries:        300,
		CullFrequency:     3,
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidConfig)
	}
	if c.CompressLevel < 0 || c.CompressLevel > 9 {
		return fmt.Errorf("%w: compress level %d not in 0-9", ErrInvalidConfig, c.CompressLevel)
	}
	if c.CompressMinLength < 0 {
		return fmt.Errorf("%w: compress min length must not be negative", ErrInvalidConfig)
	}
	if c.CullProbability < 0 || c.CullProbability > 1 {
		return fmt.Errorf("%w: cull probability %v not in 0-1", ErrInvalidConfig, c.CullProbability)
	}
	if c.CullFrequency < 0 {
		return fmt.Errorf("%w: cull frequency must not be negative", ErrInvalidConfig)
	}
	if c.MaxEntries < UnlimitedEntries {
		return fmt.Errorf("%w: max entries must be positive or %d", ErrInvalidConfig, UnlimitedEntries)
	}
	return nil
}

// resolveKeyFuncs fills in the default key functions. The default reverse
// function splits on the first two colons, so it cannot work with a prefix
// that contains one.
func (c *Config) resolveKeyFuncs() (ports.KeyFunc, ports.ReverseKeyFunc, error) {
	keyFunc, reverse := c.KeyFunc, c.ReverseKeyFunc
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
		if reverse == nil {
			if strings.Contains(c.KeyPrefix, ":") {
				return nil, nil, ErrAmbiguousKeyPrefix
			}
			reverse = DefaultReverseKeyFunc
		}
	}
	return keyFunc, reverse, nil
}
