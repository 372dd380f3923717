package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraDB "github.com/adamchainz/django-mysql-sub000/internal/infrastructure/db"
	"github.com/adamchainz/django-mysql-sub000/test/mocks"
)

func TestDBHealthChecker(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("gone"))

	hc := NewDBHealthChecker(&infraDB.Database{DB: sqlx.NewDb(raw, "mysql")})
	assert.Equal(t, "database", hc.Name())
	assert.NoError(t, hc.Check(context.Background()))
	assert.Error(t, hc.Check(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheHealthChecker(t *testing.T) {
	var probed string
	cache := &mocks.CacheMock{HasKeyFn: func(ctx context.Context, key string) (bool, error) {
		probed = key
		return false, nil
	}}
	hc := NewCacheHealthChecker("mysql_cache", cache)
	assert.Equal(t, "cache:mysql_cache", hc.Name())
	require.NoError(t, hc.Check(context.Background()))
	assert.Equal(t, probeKey, probed)

	cache.HasKeyFn = func(ctx context.Context, key string) (bool, error) {
		return false, errors.New("table missing")
	}
	assert.Error(t, hc.Check(context.Background()))
}
