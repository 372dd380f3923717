package mysqlcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// maybeCull runs Cull with the configured probability before a write.
func (c *MySQLCache) maybeCull(ctx context.Context) error {
	if c.cullProbability <= 0 || c.randFloat() >= c.cullProbability {
		return nil
	}
	if _, err := c.Cull(ctx); err != nil {
		return fmt.Errorf("opportunistic cull failed: %w", err)
	}
	return nil
}

// Cull deletes expired rows and, once the table holds MaxEntries rows or
// more, roughly 1/CullFrequency of the remainder. The size-based sweep
// removes the keys that sort first, not the least recently used ones; it
// needs no bookkeeping column. Returns the number of rows removed.
func (c *MySQLCache) Cull(ctx context.Context) (deleted int64, err error) {
	defer func(start time.Time) { c.observe("cull", start, errResult(err)) }(time.Now())
	defer func() {
		if deleted > 0 {
			culledRows.WithLabelValues(c.table).Add(float64(deleted))
		}
	}()

	res, err := c.db.ExecContext(ctx, c.stmts.cullExpired, c.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cull result: %w", err)
	}

	if c.maxEntries == UnlimitedEntries {
		c.logCull(deleted, 0)
		return deleted, nil
	}

	var remaining int64
	if err := c.db.GetContext(ctx, &remaining, c.stmts.count); err != nil {
		return deleted, fmt.Errorf("failed to count entries: %w", err)
	}
	if remaining < int64(c.maxEntries) {
		c.logCull(deleted, 0)
		return deleted, nil
	}

	swept, err := c.sweep(ctx, remaining)
	if err != nil {
		return deleted, err
	}
	c.logCull(deleted, swept)
	return deleted + swept, nil
}

func (c *MySQLCache) sweep(ctx context.Context, remaining int64) (int64, error) {
	if c.cullFrequency == 0 {
		res, err := c.db.ExecContext(ctx, c.stmts.deleteAll)
		if err != nil {
			return 0, fmt.Errorf("failed to delete all entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read delete result: %w", err)
		}
		return n, nil
	}

	offset := remaining / int64(c.cullFrequency)
	var boundary string
	err := c.db.GetContext(ctx, &boundary, c.stmts.cullBoundary, offset)
	if errors.Is(err, sql.ErrNoRows) {
		// Rows vanished since the count; nothing left to sweep.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find cull boundary: %w", err)
	}
	res, err := c.db.ExecContext(ctx, c.stmts.cullBelow, boundary)
	if err != nil {
		return 0, fmt.Errorf("failed to cull entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cull result: %w", err)
	}
	return n, nil
}

func (c *MySQLCache) logCull(expired, swept int64) {
	if c.logger == nil || expired+swept == 0 {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"table":   c.table,
		"expired": expired,
		"swept":   swept,
	}).Debug("culled cache table")
}

// PurgeExpired deletes the expired rows among storageKeys, which are raw
// cache_key values as read from the table. It lets a caller clear expired
// rows in bounded batches instead of one table-wide DELETE.
func (c *MySQLCache) PurgeExpired(ctx context.Context, storageKeys []string) (deleted int64, err error) {
	defer func(start time.Time) { c.observe("purge_expired", start, errResult(err)) }(time.Now())

	if len(storageKeys) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(c.stmts.purgeKeys, storageKeys, c.nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to build purge query: %w", err)
	}
	res, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	if deleted > 0 {
		culledRows.WithLabelValues(c.table).Add(float64(deleted))
	}
	return deleted, nil
}
