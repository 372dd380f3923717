package mysqlstatus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownStatus = errors.New("mysqlstatus: unknown status variable")
	ErrLoadTimeout   = errors.New("mysqlstatus: load did not drop below thresholds in time")
)

// DefaultThresholds is used by WaitUntilLoadLow when none are given.
var DefaultThresholds = map[string]int64{"Threads_running": 10}

type statusRow struct {
	Name  string `db:"Variable_name"`
	Value string `db:"Value"`
}

// status reads SHOW <scope> STATUS.
type status struct {
	db     *sqlx.DB
	scope  string
	logger *logrus.Logger
}

// GlobalStatus reads server-wide status variables.
type GlobalStatus struct{ status }

// SessionStatus reads status variables of whichever pooled connection runs
// the query.
type SessionStatus struct{ status }

func NewGlobalStatus(db *sqlx.DB, logger *logrus.Logger) *GlobalStatus {
	return &GlobalStatus{status{db: db, scope: "GLOBAL", logger: logger}}
}

func NewSessionStatus(db *sqlx.DB, logger *logrus.Logger) *SessionStatus {
	return &SessionStatus{status{db: db, scope: "SESSION", logger: logger}}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// parseValue returns int64 or float64 for numeric values, else the string.
func parseValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Get returns one status variable.
func (s *status) Get(ctx context.Context, name string) (any, error) {
	var rows []statusRow
	query := fmt.Sprintf("SHOW %s STATUS LIKE ?", s.scope)
	if err := s.db.SelectContext(ctx, &rows, query, likeEscaper.Replace(name)); err != nil {
		return nil, fmt.Errorf("failed to read status %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatus, name)
	}
	return parseValue(rows[0].Value), nil
}

// GetMany returns the named variables that exist.
func (s *status) GetMany(ctx context.Context, names []string) (map[string]any, error) {
	out := make(map[string]any, len(names))
	if len(names) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf("SHOW %s STATUS WHERE Variable_name IN (?)", s.scope), names)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}
	var rows []statusRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	for _, r := range rows {
		out[r.Name] = parseValue(r.Value)
	}
	return out, nil
}

// AsMap returns every variable whose name starts with prefix; "" returns all.
func (s *status) AsMap(ctx context.Context, prefix string) (map[string]any, error) {
	var rows []statusRow
	var err error
	if prefix == "" {
		err = s.db.SelectContext(ctx, &rows, fmt.Sprintf("SHOW %s STATUS", s.scope))
	} else {
		err = s.db.SelectContext(ctx, &rows, fmt.Sprintf("SHOW %s STATUS LIKE ?", s.scope), likeEscaper.Replace(prefix)+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	out := make(map[string]any, len(rows))
	for _, r := range rows {
		out[r.Name] = parseValue(r.Value)
	}
	return out, nil
}

// WaitUntilLoadLow polls until every variable in thresholds is below its
// limit, sleeping between checks. It fails with ErrLoadTimeout once timeout
// has passed.
func (s *GlobalStatus) WaitUntilLoadLow(ctx context.Context, thresholds map[string]int64, timeout, sleep time.Duration) error {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}

	deadline := time.Now().Add(timeout)
	for {
		values, err := s.GetMany(ctx, names)
		if err != nil {
			return err
		}
		high, err := aboveThreshold(values, thresholds)
		if err != nil {
			return err
		}
		if high == "" {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s = %v", ErrLoadTimeout, high, values[high])
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"variable": high, "value": values[high]}).Debug("waiting for server load to drop")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// aboveThreshold returns the first variable at or over its limit, or "".
func aboveThreshold(values map[string]any, thresholds map[string]int64) (string, error) {
	for name, limit := range thresholds {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownStatus, name)
		}
		var over bool
		switch n := v.(type) {
		case int64:
			over = n >= limit
		case float64:
			over = n >= float64(limit)
		default:
			return "", fmt.Errorf("status %s is not numeric: %v", name, v)
		}
		if over {
			return name, nil
		}
	}
	return "", nil
}
