package mysqlcache

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
)

// DefaultKeyFunc builds "prefix:version:key".
func DefaultKeyFunc(key, prefix string, version int) string {
	return prefix + ":" + strconv.Itoa(version) + ":" + key
}

// DefaultReverseKeyFunc inverts DefaultKeyFunc.
func DefaultReverseKeyFunc(fullKey string) (string, string, int, error) {
	parts := strings.SplitN(fullKey, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformedKey, fullKey)
	}
	version, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: bad version in %q", ErrMalformedKey, fullKey)
	}
	return parts[2], parts[0], version, nil
}

// MakeKey returns the storage key for key under this cache's prefix and version.
func (c *MySQLCache) MakeKey(key string) string {
	return c.keyFunc(key, c.keyPrefix, c.version)
}

// ValidateKey rejects storage keys the table cannot hold.
func (c *MySQLCache) ValidateKey(key string) error {
	if utf8.RuneCountInString(key) > cacheentry.MaxKeyLength {
		return fmt.Errorf("%w: %q", ErrKeyTooLong, key)
	}
	return nil
}

func (c *MySQLCache) storageKey(key string) (string, error) {
	full := c.MakeKey(key)
	if err := c.ValidateKey(full); err != nil {
		return "", err
	}
	return full, nil
}

func (c *MySQLCache) storageKeys(keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		full, err := c.storageKey(k)
		if err != nil {
			return nil, err
		}
		out[full] = k
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
