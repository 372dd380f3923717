package mocks

import (
	"context"
	"time"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// CacheMock is a lightweight mock for ports.PrefixCache. Unset functions
// behave like an empty cache.
type CacheMock struct {
	GetFn              func(ctx context.Context, key string) (any, bool, error)
	GetManyFn          func(ctx context.Context, keys []string) (map[string]any, error)
	SetFn              func(ctx context.Context, key string, value any, timeout time.Duration) error
	SetManyFn          func(ctx context.Context, data map[string]any, timeout time.Duration) error
	AddFn              func(ctx context.Context, key string, value any, timeout time.Duration) (bool, error)
	DeleteFn           func(ctx context.Context, key string) (bool, error)
	DeleteManyFn       func(ctx context.Context, keys []string) error
	HasKeyFn           func(ctx context.Context, key string) (bool, error)
	TouchFn            func(ctx context.Context, key string, timeout time.Duration) error
	IncrFn             func(ctx context.Context, key string, delta int64) (int64, error)
	DecrFn             func(ctx context.Context, key string, delta int64) (int64, error)
	GetOrSetFn         func(ctx context.Context, key string, load func(ctx context.Context) (any, error), timeout time.Duration) (any, error)
	IncrVersionFn      func(ctx context.Context, key string, delta int) (int, error)
	ClearFn            func(ctx context.Context) error
	ValidateKeyFn      func(key string) error
	KeysWithPrefixFn   func(ctx context.Context, prefix string) ([]string, error)
	GetWithPrefixFn    func(ctx context.Context, prefix string) (map[string]any, error)
	DeleteWithPrefixFn func(ctx context.Context, prefix string) (int64, error)
}

var _ ports.PrefixCache = (*CacheMock)(nil)

func (m *CacheMock) Get(ctx context.Context, key string) (any, bool, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	return nil, false, nil
}
func (m *CacheMock) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if m.GetManyFn != nil {
		return m.GetManyFn(ctx, keys)
	}
	return map[string]any{}, nil
}
func (m *CacheMock) Set(ctx context.Context, key string, value any, timeout time.Duration) error {
	if m.SetFn != nil {
		return m.SetFn(ctx, key, value, timeout)
	}
	return nil
}
func (m *CacheMock) SetMany(ctx context.Context, data map[string]any, timeout time.Duration) error {
	if m.SetManyFn != nil {
		return m.SetManyFn(ctx, data, timeout)
	}
	return nil
}
func (m *CacheMock) Add(ctx context.Context, key string, value any, timeout time.Duration) (bool, error) {
	if m.AddFn != nil {
		return m.AddFn(ctx, key, value, timeout)
	}
	return true, nil
}
func (m *CacheMock) Delete(ctx context.Context, key string) (bool, error) {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, key)
	}
	return false, nil
}
func (m *CacheMock) DeleteMany(ctx context.Context, keys []string) error {
	if m.DeleteManyFn != nil {
		return m.DeleteManyFn(ctx, keys)
	}
	return nil
}
func (m *CacheMock) HasKey(ctx context.Context, key string) (bool, error) {
	if m.HasKeyFn != nil {
		return m.HasKeyFn(ctx, key)
	}
	return false, nil
}
func (m *CacheMock) Touch(ctx context.Context, key string, timeout time.Duration) error {
	if m.TouchFn != nil {
		return m.TouchFn(ctx, key, timeout)
	}
	return nil
}
func (m *CacheMock) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if m.IncrFn != nil {
		return m.IncrFn(ctx, key, delta)
	}
	return delta, nil
}
func (m *CacheMock) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	if m.DecrFn != nil {
		return m.DecrFn(ctx, key, delta)
	}
	return -delta, nil
}
func (m *CacheMock) GetOrSet(ctx context.Context, key string, load func(ctx context.Context) (any, error), timeout time.Duration) (any, error) {
	if m.GetOrSetFn != nil {
		return m.GetOrSetFn(ctx, key, load, timeout)
	}
	return load(ctx)
}
func (m *CacheMock) IncrVersion(ctx context.Context, key string, delta int) (int, error) {
	if m.IncrVersionFn != nil {
		return m.IncrVersionFn(ctx, key, delta)
	}
	return 1 + delta, nil
}
func (m *CacheMock) DecrVersion(ctx context.Context, key string, delta int) (int, error) {
	return m.IncrVersion(ctx, key, -delta)
}
func (m *CacheMock) Clear(ctx context.Context) error {
	if m.ClearFn != nil {
		return m.ClearFn(ctx)
	}
	return nil
}
func (m *CacheMock) MakeKey(key string) string { return ":1:" + key }
func (m *CacheMock) ValidateKey(key string) error {
	if m.ValidateKeyFn != nil {
		return m.ValidateKeyFn(key)
	}
	return nil
}
func (m *CacheMock) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if m.KeysWithPrefixFn != nil {
		return m.KeysWithPrefixFn(ctx, prefix)
	}
	return nil, nil
}
func (m *CacheMock) GetWithPrefix(ctx context.Context, prefix string) (map[string]any, error) {
	if m.GetWithPrefixFn != nil {
		return m.GetWithPrefixFn(ctx, prefix)
	}
	return map[string]any{}, nil
}
func (m *CacheMock) DeleteWithPrefix(ctx context.Context, prefix string) (int64, error) {
	if m.DeleteWithPrefixFn != nil {
		return m.DeleteWithPrefixFn(ctx, prefix)
	}
	return 0, nil
}

// CullerMock is a lightweight mock for ports.CacheCuller
type CullerMock struct {
	TableName      string
	CullFn         func(ctx context.Context) (int64, error)
	PurgeExpiredFn func(ctx context.Context, storageKeys []string) (int64, error)
}

func (m *CullerMock) Table() string { return m.TableName }
func (m *CullerMock) Cull(ctx context.Context) (int64, error) {
	if m.CullFn != nil {
		return m.CullFn(ctx)
	}
	return 0, nil
}
func (m *CullerMock) PurgeExpired(ctx context.Context, storageKeys []string) (int64, error) {
	if m.PurgeExpiredFn != nil {
		return m.PurgeExpiredFn(ctx, storageKeys)
	}
	return 0, nil
}

// LockerMock is a lightweight mock for ports.Locker
type LockerMock struct {
	AcquireFn func(ctx context.Context) error
	ReleaseFn func(ctx context.Context) error
	Acquired  int
	Released  int
}

func (m *LockerMock) Name() string { return "mock" }
func (m *LockerMock) Acquire(ctx context.Context) error {
	if m.AcquireFn != nil {
		if err := m.AcquireFn(ctx); err != nil {
			return err
		}
	}
	m.Acquired++
	return nil
}
func (m *LockerMock) Release(ctx context.Context) error {
	m.Released++
	if m.ReleaseFn != nil {
		return m.ReleaseFn(ctx)
	}
	return nil
}
func (m *LockerMock) IsHeld(ctx context.Context) (bool, error) {
	return m.Acquired > m.Released, nil
}

// KeyWalkerMock yields the configured chunks in order.
type KeyWalkerMock struct {
	Chunks [][]string
	Err    error
}

func (m *KeyWalkerMock) Keys(ctx context.Context, fn func(ctx context.Context, keys []string) error) error {
	if m.Err != nil {
		return m.Err
	}
	for _, chunk := range m.Chunks {
		if err := fn(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheckerMock is a lightweight mock for ports.HealthChecker
type HealthCheckerMock struct {
	NameValue string
	Err       error
}

func (m *HealthCheckerMock) Name() string                    { return m.NameValue }
func (m *HealthCheckerMock) Check(ctx context.Context) error { return m.Err }

// MaintainerMock is a lightweight mock for ports.CacheMaintainer
type MaintainerMock struct {
	RunOnceFn func(ctx context.Context) (*cacheentry.CullReport, error)
	Runs      int
}

func (m *MaintainerMock) RunOnce(ctx context.Context) (*cacheentry.CullReport, error) {
	m.Runs++
	if m.RunOnceFn != nil {
		return m.RunOnceFn(ctx)
	}
	return &cacheentry.CullReport{}, nil
}
