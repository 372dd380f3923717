package cacheentry

import (
	"database/sql/driver"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ValueType tags how a row's value column is encoded.
type ValueType byte

const (
	// ValueTypeInt rows hold a base-10 signed 64-bit integer that MySQL can update in place.
	ValueTypeInt ValueType = 'i'
	// ValueTypeSerialized rows hold a MessagePack payload.
	ValueTypeSerialized ValueType = 'p'
	// ValueTypeCompressed rows hold a zlib-compressed MessagePack payload.
	ValueTypeCompressed ValueType = 'z'
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeInt, ValueTypeSerialized, ValueTypeCompressed:
		return true
	}
	return false
}

func (t ValueType) String() string { return string(rune(t)) }

// Scan implements sql.Scanner for the CHAR(1) value_type column.
func (t *ValueType) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into ValueType", src)
	}
	if len(raw) != 1 {
		return fmt.Errorf("invalid value_type %q", raw)
	}
	*t = ValueType(raw[0])
	return nil
}

// Value implements driver.Valuer.
func (t ValueType) Value() (driver.Value, error) {
	return string(rune(t)), nil
}

// MaxKeyLength is the longest storage key, in characters, the cache accepts.
// The column holds 255; the rest is headroom for key wrapping.
const MaxKeyLength = 250

// ForeverTimestamp is the expires value (ms since epoch) of rows that never expire.
const ForeverTimestamp int64 = math.MaxInt64

const (
	// DefaultTimeout selects the cache's configured default timeout.
	DefaultTimeout time.Duration = math.MinInt64
	// NoTimeout stores an entry that never expires.
	NoTimeout time.Duration = math.MaxInt64
)

// Entry is one row of the cache table.
type Entry struct {
	CacheKey  string    `db:"cache_key"`
	Value     []byte    `db:"value"`
	ValueType ValueType `db:"value_type"`
	Expires   int64     `db:"expires"`
}

// Live reports whether the entry is readable at now.
func (e *Entry) Live(now time.Time) bool {
	return e.Expires > now.UnixMilli()
}

// ExpiresAt converts a timeout into an absolute expiry in ms since epoch.
// Zero or negative timeouts produce a timestamp that is already expired.
func ExpiresAt(now time.Time, timeout, defaultTimeout time.Duration) int64 {
	if timeout == DefaultTimeout {
		timeout = defaultTimeout
	}
	switch {
	case timeout == NoTimeout:
		return ForeverTimestamp
	case timeout <= 0:
		return now.UnixMilli() - 1
	}
	ms := now.UnixMilli() + timeout.Milliseconds()
	if ms < 0 {
		return ForeverTimestamp
	}
	return ms
}

// CullReport describes one maintenance run over a cache table.
type CullReport struct {
	RunID    uuid.UUID     `json:"run_id"`
	Table    string        `json:"table"`
	Skipped  bool          `json:"skipped"` // another process held the lock
	Purged   int64         `json:"purged"`
	Culled   int64         `json:"culled"`
	Duration time.Duration `json:"duration_ns"`
}
