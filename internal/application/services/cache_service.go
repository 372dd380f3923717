package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// CacheService is the JSON-facing side of the cache used by the HTTP layer.
type CacheService struct {
	cache  ports.PrefixCache
	logger *logrus.Logger
	group  singleflight.Group
}

func NewCacheService(cache ports.PrefixCache, logger *logrus.Logger) *CacheService {
	return &CacheService{cache: cache, logger: logger}
}

// Normalize converts decoded JSON into cache values: integral json.Numbers
// become int64 so they are stored as integers Incr can operate on, other
// numbers become float64. Maps and slices are converted recursively.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return f, nil
	case float64:
		if t == math.Trunc(t) && t >= math.MinInt64 && t < math.MaxInt64 {
			return int64(t), nil
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}

func (s *CacheService) Get(ctx context.Context, key string) (any, bool, error) {
	return s.cache.Get(ctx, key)
}

func (s *CacheService) Set(ctx context.Context, key string, value any, timeout time.Duration) error {
	v, err := Normalize(value)
	if err != nil {
		return err
	}
	if err := s.cache.Set(ctx, key, v, timeout); err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Error("failed to set cache key")
		}
		return err
	}
	return nil
}

func (s *CacheService) Add(ctx context.Context, key string, value any, timeout time.Duration) (bool, error) {
	v, err := Normalize(value)
	if err != nil {
		return false, err
	}
	return s.cache.Add(ctx, key, v, timeout)
}

func (s *CacheService) Delete(ctx context.Context, key string) (bool, error) {
	return s.cache.Delete(ctx, key)
}

func (s *CacheService) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.cache.Incr(ctx, key, delta)
}

func (s *CacheService) Touch(ctx context.Context, key string, timeout time.Duration) error {
	return s.cache.Touch(ctx, key, timeout)
}

func (s *CacheService) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.cache.KeysWithPrefix(ctx, prefix)
}

func (s *CacheService) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	n, err := s.cache.DeleteWithPrefix(ctx, prefix)
	if err == nil && s.logger != nil {
		s.logger.WithFields(logrus.Fields{"prefix": prefix, "deleted": n}).Info("deleted cache keys by prefix")
	}
	return n, err
}

// GetOrSet coalesces concurrent loads of the same key in this process so
// load runs once per miss.
func (s *CacheService) GetOrSet(ctx context.Context, key string, load func(ctx context.Context) (any, error), timeout time.Duration) (any, error) {
	v, err, _ := s.group.Do(s.cache.MakeKey(key), func() (any, error) {
		return s.cache.GetOrSet(ctx, key, load, timeout)
	})
	return v, err
}
