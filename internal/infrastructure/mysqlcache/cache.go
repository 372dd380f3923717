package mysqlcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// mysqlErrOutOfRange is ER_DATA_OUT_OF_RANGE ("BIGINT value is out of range").
const mysqlErrOutOfRange = 1690

// MySQLCache implements ports.Cache on a MySQL table.
//
// Every operation is one statement, except Incr/Decr (a short locking
// transaction) and Cull. No in-process state is shared between calls, so
// any number of processes may use the same table.
type MySQLCache struct {
	db     *sqlx.DB
	logger *logrus.Logger
	stmts  statements
	codec  codec

	table          string
	keyPrefix      string
	version        int
	defaultTimeout time.Duration

	cullProbability float64
	maxEntries      int
	cullFrequency   int

	keyFunc        ports.KeyFunc
	reverseKeyFunc ports.ReverseKeyFunc

	now       func() time.Time
	randFloat func() float64
}

var _ ports.Cache = (*MySQLCache)(nil)

// New creates a cache over db using cfg. The table must already exist; see
// CreateTableStatement.
func New(db *sqlx.DB, cfg Config, logger *logrus.Logger) (*MySQLCache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	keyFunc, reverse, err := cfg.resolveKeyFuncs()
	if err != nil {
		return nil, err
	}
	return &MySQLCache{
		db:     db,
		logger: logger,
		stmts:  newStatements(cfg.Table),
		codec: codec{
			compressMinLength: cfg.CompressMinLength,
			compressLevel:     cfg.CompressLevel,
		},
		table:           cfg.Table,
		keyPrefix:       cfg.KeyPrefix,
		version:         cfg.Version,
		defaultTimeout:  cfg.DefaultTimeout,
		cullProbability: cfg.CullProbability,
		maxEntries:      cfg.MaxEntries,
		cullFrequency:   cfg.CullFrequency,
		keyFunc:         keyFunc,
		reverseKeyFunc:  reverse,
		now:             time.Now,
		randFloat:       rand.Float64,
	}, nil
}

// Table returns the backing table name.
func (c *MySQLCache) Table() string { return c.table }

// Version returns the version keys are built with.
func (c *MySQLCache) Version() int { return c.version }

// WithVersion returns a view of the same table that builds keys with version.
func (c *MySQLCache) WithVersion(version int) *MySQLCache {
	clone := *c
	clone.version = version
	return &clone
}

func (c *MySQLCache) nowMillis() int64 {
	return c.now().UnixMilli()
}

func (c *MySQLCache) expiresAt(timeout time.Duration) int64 {
	return cacheentry.ExpiresAt(c.now(), timeout, c.defaultTimeout)
}

// Get returns the decoded value stored under key.
func (c *MySQLCache) Get(ctx context.Context, key string) (value any, found bool, err error) {
	defer func(start time.Time) { c.observe("get", start, lookupResult(found, err)) }(time.Now())

	entry, found, err := c.fetch(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	value, err = c.codec.decode(entry.Value, entry.ValueType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return value, true, nil
}

// GetInto decodes the value stored under key into dst.
func (c *MySQLCache) GetInto(ctx context.Context, key string, dst any) (found bool, err error) {
	defer func(start time.Time) { c.observe("get", start, lookupResult(found, err)) }(time.Now())

	entry, found, err := c.fetch(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := c.codec.decodeInto(entry.Value, entry.ValueType, dst); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// GetAs is the typed form of Get.
func GetAs[T any](ctx context.Context, c *MySQLCache, key string) (T, bool, error) {
	var v T
	found, err := c.GetInto(ctx, key, &v)
	if err != nil || !found {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

func (c *MySQLCache) fetch(ctx context.Context, key string) (*cacheentry.Entry, bool, error) {
	full, err := c.storageKey(key)
	if err != nil {
		return nil, false, err
	}
	var entry cacheentry.Entry
	err = c.db.GetContext(ctx, &entry, c.stmts.get, full, c.nowMillis())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return &entry, true, nil
}

// GetMany fetches keys in one statement. Absent and expired keys are left
// out of the result.
func (c *MySQLCache) GetMany(ctx context.Context, keys []string) (result map[string]any, err error) {
	defer func(start time.Time) { c.observe("get_many", start, errResult(err)) }(time.Now())

	result = make(map[string]any, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	byStorageKey, err := c.storageKeys(keys)
	if err != nil {
		return nil, err
	}
	fullKeys := make([]string, 0, len(byStorageKey))
	for full := range byStorageKey {
		fullKeys = append(fullKeys, full)
	}

	query, args, err := sqlx.In(c.stmts.getMany, fullKeys, c.nowMillis())
	if err != nil {
		return nil, fmt.Errorf("failed to build get_many query: %w", err)
	}
	var entries []cacheentry.Entry
	if err := c.db.SelectContext(ctx, &entries, c.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get cache entries: %w", err)
	}
	for _, entry := range entries {
		value, err := c.codec.decode(entry.Value, entry.ValueType)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", entry.CacheKey, err)
		}
		result[byStorageKey[entry.CacheKey]] = value
	}
	return result, nil
}

// Set stores value under key, replacing any existing entry.
func (c *MySQLCache) Set(ctx context.Context, key string, value any, timeout time.Duration) (err error) {
	defer func(start time.Time) { c.observe("set", start, errResult(err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return err
	}
	payload, vt, err := c.codec.encode(value)
	if err != nil {
		return err
	}
	if err := c.maybeCull(ctx); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, c.stmts.set, full, payload, vt, c.expiresAt(timeout)); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// SetMany upserts every entry of data in one statement.
func (c *MySQLCache) SetMany(ctx context.Context, data map[string]any, timeout time.Duration) (err error) {
	defer func(start time.Time) { c.observe("set_many", start, errResult(err)) }(time.Now())

	if len(data) == 0 {
		return nil
	}
	expires := c.expiresAt(timeout)
	args := make([]any, 0, len(data)*4)
	for key, value := range data {
		full, err := c.storageKey(key)
		if err != nil {
			return err
		}
		payload, vt, err := c.codec.encode(value)
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", key, err)
		}
		args = append(args, full, payload, vt, expires)
	}
	if err := c.maybeCull(ctx); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, c.stmts.setMany(len(data)), args...); err != nil {
		return fmt.Errorf("failed to set cache entries: %w", err)
	}
	return nil
}

// Add stores value only when key is absent or expired. The upsert leaves a
// live row untouched, so MySQL reports 0 affected rows for it, 1 for an
// insert and 2 for a replaced expired row. This relies on the connection not
// using CLIENT_FOUND_ROWS.
func (c *MySQLCache) Add(ctx context.Context, key string, value any, timeout time.Duration) (added bool, err error) {
	defer func(start time.Time) { c.observe("add", start, errResult(err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return false, err
	}
	payload, vt, err := c.codec.encode(value)
	if err != nil {
		return false, err
	}
	if err := c.maybeCull(ctx); err != nil {
		return false, err
	}
	now := c.nowMillis()
	res, err := c.db.ExecContext(ctx, c.stmts.add, full, payload, vt, c.expiresAt(timeout), now, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to add cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read add result: %w", err)
	}
	return affected > 0, nil
}

// Delete removes key and reports whether a row existed.
func (c *MySQLCache) Delete(ctx context.Context, key string) (deleted bool, err error) {
	defer func(start time.Time) { c.observe("delete", start, errResult(err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return false, err
	}
	res, err := c.db.ExecContext(ctx, c.stmts.deleteOne, full)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected > 0, nil
}

// DeleteMany removes keys in one statement.
func (c *MySQLCache) DeleteMany(ctx context.Context, keys []string) (err error) {
	defer func(start time.Time) { c.observe("delete_many", start, errResult(err)) }(time.Now())

	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		full, err := c.storageKey(key)
		if err != nil {
			return err
		}
		fullKeys = append(fullKeys, full)
	}
	query, args, err := sqlx.In(c.stmts.deleteMany, fullKeys)
	if err != nil {
		return fmt.Errorf("failed to build delete_many query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

// HasKey reports whether a live entry exists for key.
func (c *MySQLCache) HasKey(ctx context.Context, key string) (found bool, err error) {
	defer func(start time.Time) { c.observe("has_key", start, lookupResult(found, err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return false, err
	}
	var one int
	err = c.db.GetContext(ctx, &one, c.stmts.hasKey, full, c.nowMillis())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check cache entry: %w", err)
	}
	return true, nil
}

// Touch sets a new expiry on a live entry.
func (c *MySQLCache) Touch(ctx context.Context, key string, timeout time.Duration) (err error) {
	defer func(start time.Time) { c.observe("touch", start, errResult(err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, c.stmts.touch, c.expiresAt(timeout), full, c.nowMillis()); err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// Incr adds delta to the integer stored under key and returns the result.
func (c *MySQLCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return c.adjust(ctx, "incr", key, delta, addInt64)
}

// Decr subtracts delta from the integer stored under key and returns the result.
func (c *MySQLCache) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return c.adjust(ctx, "decr", key, delta, subInt64)
}

// adjust is a read-modify-write under a row lock: the SELECT ... FOR UPDATE
// holds the row until commit, so concurrent callers serialize on it.
func (c *MySQLCache) adjust(ctx context.Context, op, key string, delta int64, apply func(a, b int64) (int64, bool)) (value int64, err error) {
	defer func(start time.Time) { c.observe(op, start, errResult(err)) }(time.Now())

	full, err := c.storageKey(key)
	if err != nil {
		return 0, err
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin %s: %w", op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw []byte
	err = tx.GetContext(ctx, &raw, c.stmts.incrSelect, full, c.nowMillis())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %q for %s: %w", key, op, err)
	}
	current, err := parseInt(raw)
	if err != nil {
		return 0, err
	}
	value, ok := apply(current, delta)
	if !ok {
		return 0, fmt.Errorf("%w: %s %d by %d", ErrIntegerOverflow, op, current, delta)
	}
	if _, err = tx.ExecContext(ctx, c.stmts.incrUpdate, value, full); err != nil {
		return 0, wrapOverflow(fmt.Errorf("failed to %s %q: %w", op, key, err))
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s: %w", op, err)
	}
	return value, nil
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

func subInt64(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) == (b > 0)
}

// wrapOverflow marks MySQL's out-of-range error as ErrIntegerOverflow.
func wrapOverflow(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrOutOfRange {
		return fmt.Errorf("%w: %w", ErrIntegerOverflow, err)
	}
	return err
}

// Clear truncates the table. It is not scoped by prefix or version.
func (c *MySQLCache) Clear(ctx context.Context) (err error) {
	defer func(start time.Time) { c.observe("clear", start, errResult(err)) }(time.Now())

	if _, err := c.db.ExecContext(ctx, c.stmts.clear); err != nil {
		return fmt.Errorf("failed to clear cache table: %w", err)
	}
	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{"table": c.table}).Info("cache table cleared")
	}
	return nil
}

// GetOrSet returns the live value for key, or stores and returns the result
// of load. The final read picks up a value another caller added first.
func (c *MySQLCache) GetOrSet(ctx context.Context, key string, load func(ctx context.Context) (any, error), timeout time.Duration) (any, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return value, nil
	}
	value, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.Add(ctx, key, value, timeout); err != nil {
		return nil, err
	}
	stored, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return value, nil
	}
	return stored, nil
}

// IncrVersion moves key from the current version to version+delta, keeping
// its value, and returns the new version.
func (c *MySQLCache) IncrVersion(ctx context.Context, key string, delta int) (int, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	next := c.WithVersion(c.version + delta)
	if err := next.Set(ctx, key, value, cacheentry.DefaultTimeout); err != nil {
		return 0, err
	}
	if _, err := c.Delete(ctx, key); err != nil {
		return 0, err
	}
	return next.version, nil
}

// DecrVersion is IncrVersion with a negated delta.
func (c *MySQLCache) DecrVersion(ctx context.Context, key string, delta int) (int, error) {
	return c.IncrVersion(ctx, key, -delta)
}
