package iterator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var ErrInvalidOptions = errors.New("iterator: invalid options")

// LoadWaiter blocks until the server is quiet enough to continue.
// mysqlstatus.GlobalStatus satisfies it.
type LoadWaiter interface {
	WaitUntilLoadLow(ctx context.Context, thresholds map[string]int64, timeout, sleep time.Duration) error
}

type Options struct {
	Table string
	// PK is the primary key column to walk in ascending order. Default "id".
	PK string
	// Columns selected by Each. Default "*".
	Columns []string

	ChunkSize int           // initial rows per chunk; default 1000
	ChunkTime time.Duration // target time per chunk; 0 keeps ChunkSize fixed
	MinChunk  int           // default 1
	MaxChunk  int           // default 10000

	Throttle        LoadWaiter
	Thresholds      map[string]int64
	ThrottleTimeout time.Duration // default 60s
	ThrottleSleep   time.Duration // default 1s

	Logger *logrus.Logger
}

func (o *Options) setDefaults() error {
	if strings.TrimSpace(o.Table) == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidOptions)
	}
	if o.PK == "" {
		o.PK = "id"
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 1000
	}
	if o.MinChunk == 0 {
		o.MinChunk = 1
	}
	if o.MaxChunk == 0 {
		o.MaxChunk = 10000
	}
	if o.ThrottleTimeout == 0 {
		o.ThrottleTimeout = 60 * time.Second
	}
	if o.ThrottleSleep == 0 {
		o.ThrottleSleep = time.Second
	}
	if o.ChunkSize < 0 || o.MinChunk < 0 || o.MaxChunk < o.MinChunk {
		return fmt.Errorf("%w: chunk sizes must satisfy 0 < min <= max", ErrInvalidOptions)
	}
	o.ChunkSize = clamp(o.ChunkSize, o.MinChunk, o.MaxChunk)
	return nil
}

// ChunkedIterator walks a table in primary-key order a chunk at a time, so
// each query touches a bounded number of rows. The chunk size adapts so each
// chunk takes about ChunkTime.
type ChunkedIterator struct {
	db   *sqlx.DB
	opts Options
	now  func() time.Time
}

func New(db *sqlx.DB, opts Options) (*ChunkedIterator, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &ChunkedIterator{db: db, opts: opts, now: time.Now}, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (it *ChunkedIterator) query(columns string, first bool) string {
	t, pk := quoteIdent(it.opts.Table), quoteIdent(it.opts.PK)
	if first {
		return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ?", columns, t, pk)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?", columns, t, pk, pk)
}

func (it *ChunkedIterator) columns() string {
	if len(it.opts.Columns) == 0 {
		return "*"
	}
	quoted := make([]string, len(it.opts.Columns))
	for i, c := range it.opts.Columns {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// Each calls fn with every chunk of rows. Each row maps column name to the
// driver value. The PK column must be among the selected columns.
func (it *ChunkedIterator) Each(ctx context.Context, fn func(ctx context.Context, rows []map[string]any) error) error {
	return it.walk(ctx, it.columns(), func(ctx context.Context, rows *sqlx.Rows) (string, int, error) {
		var chunk []map[string]any
		for rows.Next() {
			row := make(map[string]any)
			if err := rows.MapScan(row); err != nil {
				return "", 0, fmt.Errorf("failed to scan row: %w", err)
			}
			chunk = append(chunk, row)
		}
		if err := rows.Err(); err != nil {
			return "", 0, err
		}
		if len(chunk) == 0 {
			return "", 0, nil
		}
		last, err := asString(chunk[len(chunk)-1][it.opts.PK])
		if err != nil {
			return "", 0, err
		}
		return last, len(chunk), fn(ctx, chunk)
	})
}

// Keys calls fn with the primary keys of every chunk.
func (it *ChunkedIterator) Keys(ctx context.Context, fn func(ctx context.Context, keys []string) error) error {
	return it.walk(ctx, quoteIdent(it.opts.PK), func(ctx context.Context, rows *sqlx.Rows) (string, int, error) {
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return "", 0, fmt.Errorf("failed to scan key: %w", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			return "", 0, err
		}
		if len(keys) == 0 {
			return "", 0, nil
		}
		return keys[len(keys)-1], len(keys), fn(ctx, keys)
	})
}

type chunkFunc func(ctx context.Context, rows *sqlx.Rows) (last string, n int, err error)

func (it *ChunkedIterator) walk(ctx context.Context, columns string, handle chunkFunc) error {
	size := it.opts.ChunkSize
	var last string
	first := true
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first && it.opts.Throttle != nil {
			if err := it.opts.Throttle.WaitUntilLoadLow(ctx, it.opts.Thresholds, it.opts.ThrottleTimeout, it.opts.ThrottleSleep); err != nil {
				return err
			}
		}

		start := it.now()
		var rows *sqlx.Rows
		var err error
		if first {
			rows, err = it.db.QueryxContext(ctx, it.query(columns, true), size)
		} else {
			rows, err = it.db.QueryxContext(ctx, it.query(columns, false), last, size)
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk of %s: %w", it.opts.Table, err)
		}
		next, n, err := handle(ctx, rows)
		_ = rows.Close()
		if err != nil {
			return err
		}
		total += n
		if n < size {
			it.logDone(total)
			return nil
		}

		last, first = next, false
		size = it.nextSize(size, it.now().Sub(start))
	}
}

// nextSize halves the chunk when it ran over ChunkTime and grows it by half
// when it took less than half of it.
func (it *ChunkedIterator) nextSize(size int, took time.Duration) int {
	target := it.opts.ChunkTime
	switch {
	case target <= 0:
		return size
	case took > target:
		size /= 2
	case took < target/2:
		size += size / 2
		if size < 2 {
			size++
		}
	}
	next := clamp(size, it.opts.MinChunk, it.opts.MaxChunk)
	if it.opts.Logger != nil {
		it.opts.Logger.WithFields(logrus.Fields{"table": it.opts.Table, "chunk_size": next, "took": took}).Debug("chunk processed")
	}
	return next
}

func (it *ChunkedIterator) logDone(total int) {
	if it.opts.Logger == nil {
		return
	}
	it.opts.Logger.WithFields(logrus.Fields{"table": it.opts.Table, "rows": total}).Debug("chunked iteration finished")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asString(v any) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case []byte:
		return string(k), nil
	case int64:
		return fmt.Sprint(k), nil
	case nil:
		return "", fmt.Errorf("%w: primary key column missing from selected columns", ErrInvalidOptions)
	}
	return fmt.Sprint(v), nil
}
