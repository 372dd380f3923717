package mysqlcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
)

// prefixPattern returns the LIKE pattern matching storage keys whose user
// key starts with prefix under this cache's key prefix and version. Both
// prefixes are escaped so '_' and '%' match only themselves.
func (c *MySQLCache) prefixPattern(prefix string) (string, error) {
	if c.reverseKeyFunc == nil {
		return "", ErrReverseKeyFuncRequired
	}
	return c.keyFunc(escapeLike(prefix)+"%", escapeLike(c.keyPrefix), c.version), nil
}

// reverse recovers the user key from a stored key, reporting false for rows
// that belong to another key prefix or version, or do not really share the
// prefix.
func (c *MySQLCache) reverse(fullKey, prefix string) (string, bool) {
	key, keyPrefix, version, err := c.reverseKeyFunc(fullKey)
	if err != nil {
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{"table": c.table, "cache_key": fullKey}).WithError(err).Debug("skipping key that does not reverse")
		}
		return "", false
	}
	if keyPrefix != c.keyPrefix || version != c.version || !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key, true
}

// KeysWithPrefix lists the live user keys starting with prefix.
func (c *MySQLCache) KeysWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	defer func(start time.Time) { c.observe("keys_with_prefix", start, errResult(err)) }(time.Now())

	pattern, err := c.prefixPattern(prefix)
	if err != nil {
		return nil, err
	}
	var fullKeys []string
	if err := c.db.SelectContext(ctx, &fullKeys, c.stmts.keysWithPrefix, pattern, c.nowMillis()); err != nil {
		return nil, fmt.Errorf("failed to list keys with prefix: %w", err)
	}
	keys = make([]string, 0, len(fullKeys))
	for _, full := range fullKeys {
		if key, ok := c.reverse(full, prefix); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// GetWithPrefix returns the live entries whose user key starts with prefix.
func (c *MySQLCache) GetWithPrefix(ctx context.Context, prefix string) (result map[string]any, err error) {
	defer func(start time.Time) { c.observe("get_with_prefix", start, errResult(err)) }(time.Now())

	pattern, err := c.prefixPattern(prefix)
	if err != nil {
		return nil, err
	}
	var entries []cacheentry.Entry
	if err := c.db.SelectContext(ctx, &entries, c.stmts.getWithPrefix, pattern, c.nowMillis()); err != nil {
		return nil, fmt.Errorf("failed to get entries with prefix: %w", err)
	}
	result = make(map[string]any, len(entries))
	for _, entry := range entries {
		key, ok := c.reverse(entry.CacheKey, prefix)
		if !ok {
			continue
		}
		value, err := c.codec.decode(entry.Value, entry.ValueType)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", entry.CacheKey, err)
		}
		result[key] = value
	}
	return result, nil
}

// DeleteWithPrefix removes every entry, live or not, whose user key starts
// with prefix under this cache's version.
func (c *MySQLCache) DeleteWithPrefix(ctx context.Context, prefix string) (deleted int64, err error) {
	defer func(start time.Time) { c.observe("delete_with_prefix", start, errResult(err)) }(time.Now())

	pattern, err := c.prefixPattern(prefix)
	if err != nil {
		return 0, err
	}
	res, err := c.db.ExecContext(ctx, c.stmts.deleteWithPrefix, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries with prefix: %w", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return deleted, nil
}
