package mysqllock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/adamchainz/django-mysql-sub000/internal/core/ports"
)

// MaxNameLength is MySQL's limit on lock names.
const MaxNameLength = 64

// DefaultTimeout is how long Acquire waits for a contended lock.
const DefaultTimeout = 10 * time.Second

var (
	ErrLockTimeout      = fmt.Errorf("mysqllock: timed out waiting for lock: %w", ports.ErrLockUnavailable)
	ErrLockNotHeld      = errors.New("mysqllock: lock is not held by this connection")
	ErrLockNameTooLong  = errors.New("mysqllock: lock name is longer than 64 characters")
	ErrAlreadyAcquired  = errors.New("mysqllock: lock already acquired")
	ErrLockAcquireError = errors.New("mysqllock: GET_LOCK failed")
)

// Lock is a MySQL named lock (GET_LOCK). Named locks belong to a connection,
// so an acquired Lock pins one pooled connection until Release.
type Lock struct {
	db       *sqlx.DB
	name     string
	timeout  time.Duration
	noPrefix bool
	logger   *logrus.Logger

	mu   sync.Mutex
	conn *sqlx.Conn
	full string
}

var _ ports.Locker = (*Lock)(nil)

type Option func(*Lock)

// WithTimeout sets how long Acquire waits. Negative waits forever.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) { l.timeout = d }
}

// WithoutPrefix uses name as is instead of prefixing it with the database name.
func WithoutPrefix() Option {
	return func(l *Lock) { l.noPrefix = true }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(l *Lock) { l.logger = logger }
}

func New(db *sqlx.DB, name string, opts ...Option) *Lock {
	l := &Lock{db: db, name: name, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the name the lock was created with, without any prefix.
func (l *Lock) Name() string { return l.name }

func (l *Lock) timeoutSeconds() float64 {
	if l.timeout < 0 {
		return -1
	}
	return l.timeout.Seconds()
}

// fullName returns the name passed to MySQL: "<database>.<name>" unless
// WithoutPrefix was given.
func (l *Lock) fullName(ctx context.Context, q sqlx.QueryerContext) (string, error) {
	full := l.name
	if !l.noPrefix {
		var dbName sql.NullString
		if err := sqlx.GetContext(ctx, q, &dbName, "SELECT DATABASE()"); err != nil {
			return "", fmt.Errorf("failed to read database name: %w", err)
		}
		if dbName.Valid {
			full = dbName.String + "." + l.name
		}
	}
	if utf8.RuneCountInString(full) > MaxNameLength {
		return "", fmt.Errorf("%w: %q", ErrLockNameTooLong, full)
	}
	return full, nil
}

// Acquire blocks until the lock is held or the timeout passes, returning
// ErrLockTimeout in the latter case.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return ErrAlreadyAcquired
	}

	conn, err := l.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection for lock: %w", err)
	}
	full, err := l.fullName(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	var got sql.NullInt64
	if err := conn.GetContext(ctx, &got, "SELECT GET_LOCK(?, ?)", full, l.timeoutSeconds()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to acquire lock %q: %w", full, err)
	}
	switch {
	case !got.Valid:
		_ = conn.Close()
		return fmt.Errorf("%w: %q", ErrLockAcquireError, full)
	case got.Int64 == 0:
		_ = conn.Close()
		return fmt.Errorf("%w: %q", ErrLockTimeout, full)
	}

	l.conn, l.full = conn, full
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{"lock": full}).Debug("acquired named lock")
	}
	return nil
}

// Release frees the lock and returns its connection to the pool.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrLockNotHeld
	}
	conn, full := l.conn, l.full
	l.conn, l.full = nil, ""
	defer conn.Close()

	var released sql.NullInt64
	if err := conn.GetContext(ctx, &released, "SELECT RELEASE_LOCK(?)", full); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", full, err)
	}
	if !released.Valid || released.Int64 != 1 {
		return fmt.Errorf("%w: %q", ErrLockNotHeld, full)
	}
	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{"lock": full}).Debug("released named lock")
	}
	return nil
}

// IsHeld reports whether any connection holds the lock.
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	id, err := l.HeldWith(ctx)
	return id != 0, err
}

// HeldWith returns the connection id holding the lock, or 0.
func (l *Lock) HeldWith(ctx context.Context) (int64, error) {
	full, err := l.fullName(ctx, l.db)
	if err != nil {
		return 0, err
	}
	var id sql.NullInt64
	if err := l.db.GetContext(ctx, &id, "SELECT IS_USED_LOCK(?)", full); err != nil {
		return 0, fmt.Errorf("failed to check lock %q: %w", full, err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// With runs fn while holding the lock.
func (l *Lock) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(ctx)
}
