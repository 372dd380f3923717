package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
	"github.com/adamchainz/django-mysql-sub000/internal/infrastructure/mysqlcache"
)

// RateLimitCacheRepository keeps fixed-window counters in the cache table.
type RateLimitCacheRepository struct {
	cache ports.Cache
	now   func() time.Time
}

func NewRateLimitCacheRepository(cache ports.Cache) *RateLimitCacheRepository {
	return &RateLimitCacheRepository{cache: cache, now: time.Now}
}

// IncrementWindow creates the window's counter with Add and bumps it with
// Incr afterwards. A counter that expires between the two is recreated once.
func (repo *RateLimitCacheRepository) IncrementWindow(ctx context.Context, subject string, window time.Duration, keyPrefix string, ttl time.Duration) (int, time.Time, error) {
	windowStart := repo.now().Truncate(window)
	key := fmt.Sprintf("%s:%s:%d", keyPrefix, subject, windowStart.Unix())

	for attempt := 0; attempt < 2; attempt++ {
		added, err := repo.cache.Add(ctx, key, int64(1), ttl)
		if err != nil {
			return 0, windowStart, err
		}
		if added {
			return 1, windowStart, nil
		}
		n, err := repo.cache.Incr(ctx, key, 1)
		if errors.Is(err, mysqlcache.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return 0, windowStart, err
		}
		return int(n), windowStart, nil
	}
	return 0, windowStart, fmt.Errorf("rate limit counter %q kept expiring", key)
}
