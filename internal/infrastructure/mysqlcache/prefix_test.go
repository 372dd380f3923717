package mysqlcache

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysWithPrefix(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.keysWithPrefix)).
		WithArgs(`app:1:user\_%`, testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}).
			AddRow("app:1:user_1").
			AddRow("app:1:user_2").
			AddRow("garbage"))

	keys, err := c.KeysWithPrefix(context.Background(), "user_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user_1", "user_2"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeysWithPrefix_FiltersOtherVersions(t *testing.T) {
	// The version in the pattern is not escaped, so "app:1:%" can never match
	// "app:12:x", but a custom reverse function may report any version.
	c, mock := newTestCache(t, func(cfg *Config) {
		cfg.ReverseKeyFunc = func(full string) (string, string, int, error) {
			if full == "app:1:old" {
				return "old", "app", 2, nil
			}
			return DefaultReverseKeyFunc(full)
		}
	})
	mock.ExpectQuery(q(c.stmts.keysWithPrefix)).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}).AddRow("app:1:old").AddRow("app:1:new"))

	keys, err := c.KeysWithPrefix(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)
}

func TestGetWithPrefix(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectQuery(q(c.stmts.getWithPrefix)).
		WithArgs("app:1:cfg%", testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key", "value", "value_type"}).
			AddRow("app:1:cfg.a", []byte("1"), "i").
			AddRow("app:1:cfg.b", packed(t, "two"), "p"))

	got, err := c.GetWithPrefix(context.Background(), "cfg")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cfg.a": int64(1), "cfg.b": "two"}, got)
}

func TestDeleteWithPrefix(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.deleteWithPrefix)).
		WithArgs(`app:1:50\%%`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := c.DeleteWithPrefix(context.Background(), "50%")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPrefixOpsNeedReverseKeyFunc(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) {
		cfg.KeyFunc = func(key, prefix string, version int) string { return key }
	})
	ctx := context.Background()

	_, err := c.KeysWithPrefix(ctx, "a")
	assert.ErrorIs(t, err, ErrReverseKeyFuncRequired)
	_, err = c.GetWithPrefix(ctx, "a")
	assert.ErrorIs(t, err, ErrReverseKeyFuncRequired)
	_, err = c.DeleteWithPrefix(ctx, "a")
	assert.ErrorIs(t, err, ErrReverseKeyFuncRequired)
}

func TestPrefixOperations_EscapeKeyPrefix(t *testing.T) {
	c, mock := newTestCache(t, func(cfg *Config) { cfg.KeyPrefix = "a_b" })

	// Without escaping, "a_b" would also match the "axb" alias.
	mock.ExpectQuery(q(c.stmts.keysWithPrefix)).
		WithArgs(`a\_b:1:K%`, testNowMs).
		WillReturnRows(sqlmock.NewRows([]string{"cache_key"}).
			AddRow("a_b:1:K1").
			AddRow("axb:1:K2"))
	keys, err := c.KeysWithPrefix(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, []string{"K1"}, keys)

	mock.ExpectExec(q(c.stmts.deleteWithPrefix)).
		WithArgs(`a\_b:1:K%`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err := c.DeleteWithPrefix(context.Background(), "K")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReverse_RejectsOtherKeyPrefix(t *testing.T) {
	c, _ := newTestCache(t, func(cfg *Config) { cfg.KeyPrefix = "a_b" })
	_, ok := c.reverse("axb:1:K1", "K")
	assert.False(t, ok)
	key, ok := c.reverse("a_b:1:K1", "K")
	assert.True(t, ok)
	assert.Equal(t, "K1", key)
}

func TestDeleteWithPrefix_RowsAffectedErrorPropagates(t *testing.T) {
	c, mock := newTestCache(t, nil)
	mock.ExpectExec(q(c.stmts.deleteWithPrefix)).
		WithArgs("app:1:K%").
		WillReturnResult(sqlmock.NewErrorResult(sql.ErrConnDone))

	_, err := c.DeleteWithPrefix(context.Background(), "K")
	require.ErrorIs(t, err, sql.ErrConnDone)
}
