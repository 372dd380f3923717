package mysqlcache

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adamchainz/django-mysql-sub000/internal/core/domain/cacheentry"
)

var testNow = time.UnixMilli(1_700_000_000_000)

const testNowMs = int64(1_700_000_000_000)

func newTestCache(t *testing.T, mutate func(*Config)) (*MySQLCache, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := DefaultConfig("my_cache")
	cfg.KeyPrefix = "app"
	cfg.CullProbability = 0
	if mutate != nil {
		mutate(&cfg)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	c, err := New(sqlx.NewDb(sqlDB, "mysql"), cfg, logger)
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func packed(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNew_RejectsColonPrefixWithDefaultKeyFunc(t *testing.T) {
	cfg := DefaultConfig("my_cache")
	cfg.KeyPrefix = "a:b"
	_, err := New(nil, cfg, nil)
	require.ErrorIs(t, err, ErrAmbiguousKeyPrefix)

	cfg.ReverseKeyFunc = func(full string) (string, string, int, error) { return "", "", 0, nil }
	_, err = New(nil, cfg, nil)
	require.NoError(t, err)
}

func TestNew_ValidatesConfig(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no table":          func(c *Config) { c.Table = "" },
		"level too high":    func(c *Config) { c.CompressLevel = 10 },
		"probability > 1":   func(c *Config) { c.CullProbability = 1.5 },
		"negative freq":     func(c *Config) { c.CullFrequency = -1 },
		"max entries < -1":  func(c *Config) { c.MaxEntries = -2 },
		"negative compress": func(c *Config) { c.CompressMinLength = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig("my_cache")
			mutate(&cfg)
			_, err := New(nil, cfg, nil)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGet_ReturnsDecodedValue(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:greeting", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow(packed(t, "hello"), "p"))

	v, found, err := c.Get(context.Background(), "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_BinaryValueStaysBytes(t *testing.T) {
	c, mock := newTestCache(t, nil)
	payload, vt, err := c.codec.encode([]byte{0, 1, 2})
	require.NoError(t, err)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:blob", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow(payload, string(vt)))

	v, found, err := c.Get(context.Background(), "blob")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{0, 1, 2}, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_MissingOrExpiredIsNotFound(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:gone", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}))

	v, found, err := c.Get(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_IntegerRow(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:n", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("-9223372036854775808"), "i"))

	v, found, err := c.Get(context.Background(), "n")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(math.MinInt64), v)
}

func TestGet_UnknownValueTypeIsAnError(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:bad", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("x"), "q"))

	_, found, err := c.Get(context.Background(), "bad")
	require.ErrorIs(t, err, ErrUnknownValueType)
	assert.False(t, found)
}

func TestGet_PropagatesBackendErrors(t *testing.T) {
	c, mock := newTestCache(t, nil)
	boom := errors.New("connection refused")
	mock.ExpectQuery(q(c.stmts.get)).WillReturnError(boom)

	_, _, err := c.Get(context.Background(), "k")
	require.ErrorIs(t, err, boom)
}

func TestGetAs_DecodesIntoType(t *testing.T) {
	type profile struct {
		Name string
		Age  int
	}
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:p", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow(packed(t, profile{"ada", 36}), "p"))
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs("app:1:count", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("42"), "i"))

	p, found, err := GetAs[profile](context.Background(), c, "p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, profile{"ada", 36}, p)

	n, found, err := GetAs[int](context.Background(), c, "count")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, n)
}

func TestKeyLengthBoundary(t *testing.T) {
	c, mock := newTestCache(t, func(cfg *Config) {
		cfg.KeyFunc = func(key, prefix string, version int) string { return key }
	})
	ok := strings.Repeat("k", 250)
	mock.ExpectQuery(q(c.stmts.get)).
		WithArgs(ok, testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}))

	_, _, err := c.Get(context.Background(), ok)
	require.NoError(t, err)

	// No statement is expected for the long key.
	_, _, err = c.Get(context.Background(), ok+"k")
	require.ErrorIs(t, err, ErrKeyTooLong)
	require.ErrorIs(t, c.Set(context.Background(), ok+"k", 1, time.Minute), ErrKeyTooLong)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyLengthCountsCharacters(t *testing.T) {
	c, _ := newTestCache(t, nil)
	assert.NoError(t, c.ValidateKey(strings.Repeat("é", 250)))
	assert.ErrorIs(t, c.ValidateKey(strings.Repeat("é", 251)), ErrKeyTooLong)
}

func TestSet_UpsertsEncodedValue(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.set)).
		WithArgs("app:1:k", int64(7), "i", testNowMs+60_000).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(c.stmts.set)).
		WithArgs("app:1:s", packed(t, "v"), "p", testNowMs+300_000).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(c.stmts.set)).
		WithArgs("app:1:forever", packed(t, true), "p", cacheentry.ForeverTimestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(c.stmts.set)).
		WithArgs("app:1:expired", packed(t, "x"), "p", testNowMs-1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", 7, time.Minute))
	require.NoError(t, c.Set(ctx, "s", "v", cacheentry.DefaultTimeout))
	require.NoError(t, c.Set(ctx, "forever", true, cacheentry.NoTimeout))
	require.NoError(t, c.Set(ctx, "expired", "x", 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_SerializationFailurePropagates(t *testing.T) {
	c, mock := newTestCache(t, nil)
	err := c.Set(context.Background(), "k", make(chan int), time.Minute)
	require.ErrorIs(t, err, ErrSerialization)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_CullsFirstWhenRollSucceeds(t *testing.T) {
	c, mock := newTestCache(t, func(cfg *Config) {
		cfg.CullProbability = 0.5
		cfg.MaxEntries = UnlimitedEntries
	})
	c.randFloat = func() float64 { return 0.1 }

	mock.ExpectExec(q(c.stmts.cullExpired)).WithArgs(testNowMs).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(q(c.stmts.set)).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Set(context.Background(), "k", 1, time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSet_CullFailureFailsTheWrite(t *testing.T) {
	c, mock := newTestCache(t, func(cfg *Config) { cfg.CullProbability = 1 })
	c.randFloat = func() float64 { return 0 }
	boom := errors.New("lock wait timeout")
	mock.ExpectExec(q(c.stmts.cullExpired)).WillReturnError(boom)

	err := c.Set(context.Background(), "k", 1, time.Minute)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetMany_SingleStatement(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.setMany(2))).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), testNowMs+1000,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), testNowMs+1000).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := c.SetMany(context.Background(), map[string]any{"a": 1, "b": "two"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, c.SetMany(context.Background(), nil, time.Second))
}

func TestGetMany_ReturnsOnlyLiveKeys(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(`SELECT cache_key, value, value_type FROM .my_cache. WHERE cache_key IN \(\?, \?\) AND expires > \?`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key", "value", "value_type"}).
			AddRow("app:1:a", []byte("1"), "i"))

	got, err := c.GetMany(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": int64(1)}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdd_AffectedRowsSignalWrite(t *testing.T) {
	c, mock := newTestCache(t, nil)
	ctx := context.Background()

	for _, tc := range []struct {
		affected int64
		want     bool
	}{
		{affected: 1, want: true},  // inserted
		{affected: 0, want: false}, // live row kept
		{affected: 2, want: true},  // expired row replaced
	} {
		mock.ExpectExec(q(c.stmts.add)).
			WithArgs("app:1:k", packed(t, "v"), "p", testNowMs+60_000, testNowMs, testNowMs, testNowMs).
			WillReturnResult(sqlmock.NewResult(0, tc.affected))
		added, err := c.Add(ctx, "k", "v", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, tc.want, added)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.deleteOne)).WithArgs("app:1:k").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(c.stmts.deleteOne)).WithArgs("app:1:k").WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := c.Delete(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDelete_RowsAffectedErrorPropagates(t *testing.T) {
	c, mock := newTestCache(t, nil)
	boom := errors.New("driver lost result")
	mock.ExpectExec(q(c.stmts.deleteOne)).WithArgs("app:1:k").WillReturnResult(sqlmock.NewErrorResult(boom))

	deleted, err := c.Delete(context.Background(), "k")
	require.ErrorIs(t, err, boom)
	assert.False(t, deleted)
}

func TestDeleteMany(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(`DELETE FROM .my_cache. WHERE cache_key IN \(\?, \?\)`).
		WithArgs("app:1:a", "app:1:b").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.DeleteMany(context.Background(), []string{"a", "b"}))
	require.NoError(t, c.DeleteMany(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasKey(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.hasKey)).WithArgs("app:1:k", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(q(c.stmts.hasKey)).WithArgs("app:1:k", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	found, err := c.HasKey(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = c.HasKey(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTouch_OnlyUpdatesLiveRows(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.touch)).
		WithArgs(testNowMs+30_000, "app:1:k", testNowMs).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Touch(context.Background(), "k", 30*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectIncr(mock sqlmock.Sqlmock, c *MySQLCache, key, current string, next int64) {
	mock.ExpectBegin()
	mock.ExpectQuery(q(c.stmts.incrSelect)).WithArgs(key, testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(current)))
	mock.ExpectExec(q(c.stmts.incrUpdate)).WithArgs(next, key).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestIncrDecr(t *testing.T) {
	c, mock := newTestCache(t, nil)
	expectIncr(mock, c, "app:1:n", "10", 11)
	expectIncr(mock, c, "app:1:n", "11", 6)

	v, err := c.Incr(context.Background(), "n", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)
	v, err = c.Decr(context.Background(), "n", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncr_MissingOrNonIntegerKey(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(q(c.stmts.incrSelect)).WithArgs("app:1:n", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectRollback()

	_, err := c.Incr(context.Background(), "n", 1)
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncr_OverflowIsRejected(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(q(c.stmts.incrSelect)).WithArgs("app:1:n", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("9223372036854775807")))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(q(c.stmts.incrSelect)).WithArgs("app:1:n", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("-9223372036854775808")))
	mock.ExpectRollback()

	_, err := c.Incr(context.Background(), "n", 1)
	require.ErrorIs(t, err, ErrIntegerOverflow)
	_, err = c.Decr(context.Background(), "n", 1)
	require.ErrorIs(t, err, ErrIntegerOverflow)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncr_BackendOutOfRangeIsOverflow(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(q(c.stmts.incrSelect)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("1")))
	mock.ExpectExec(q(c.stmts.incrUpdate)).
		WillReturnError(&mysql.MySQLError{Number: 1690, Message: "BIGINT value is out of range"})
	mock.ExpectRollback()

	_, err := c.Incr(context.Background(), "n", 1)
	require.ErrorIs(t, err, ErrIntegerOverflow)
}

func TestOverflowHelpers(t *testing.T) {
	_, ok := addInt64(math.MaxInt64, 1)
	assert.False(t, ok)
	_, ok = addInt64(math.MinInt64, -1)
	assert.False(t, ok)
	v, ok := addInt64(math.MaxInt64-1, 1)
	assert.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), v)

	_, ok = subInt64(math.MinInt64, 1)
	assert.False(t, ok)
	_, ok = subInt64(0, math.MinInt64)
	assert.False(t, ok)
	v, ok = subInt64(-1, math.MinInt64)
	assert.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), v)
}

func TestClear(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q("TRUNCATE `my_cache`")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrSet(t *testing.T) {
	c, mock := newTestCache(t, nil)
	empty := sqlmock.NewRows([]string{"value", "value_type"})
	mock.ExpectQuery(q(c.stmts.get)).WillReturnRows(empty)
	mock.ExpectExec(q(c.stmts.add)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(c.stmts.get)).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("5"), "i"))

	calls := 0
	v, err := c.GetOrSet(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		return 5, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 1, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrVersion_MovesValue(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).WithArgs("app:1:k", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow(packed(t, "v"), "p"))
	mock.ExpectExec(q(c.stmts.set)).WithArgs("app:3:k", packed(t, "v"), "p", testNowMs+300_000).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(c.stmts.deleteOne)).WithArgs("app:1:k").WillReturnResult(sqlmock.NewResult(0, 1))

	version, err := c.IncrVersion(context.Background(), "k", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Equal(t, 1, c.Version())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrVersion_MissingKey(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}))

	_, err := c.DecrVersion(context.Background(), "k", 1)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCaseSensitiveKeys(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.get)).WithArgs("app:1:Key", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("1"), "i"))
	mock.ExpectQuery(q(c.stmts.get)).WithArgs("app:1:key", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"value", "value_type"}).AddRow([]byte("2"), "i"))

	v, _, err := c.Get(context.Background(), "Key")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, _, err = c.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestCreateTableStatement(t *testing.T) {
	ddl := CreateTableStatement("my_cache")
	assert.Contains(t, ddl, "CREATE TABLE `my_cache`")
	assert.Contains(t, ddl, "COLLATE utf8_bin")
	assert.Contains(t, ddl, "COLLATE latin1_bin")
	assert.Contains(t, ddl, "expires BIGINT UNSIGNED NOT NULL")
	assert.Equal(t, "DROP TABLE `odd``name`;", DropTableStatement("odd`name"))
}
