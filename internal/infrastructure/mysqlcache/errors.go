package mysqlcache

import "errors"

var (
	// Configuration errors.
	ErrAmbiguousKeyPrefix     = errors.New("mysqlcache: key prefix must not contain ':' when using the default key function")
	ErrReverseKeyFuncRequired = errors.New("mysqlcache: a reverse key function is required for prefix operations")
	ErrInvalidConfig          = errors.New("mysqlcache: invalid configuration")

	// Validation errors.
	ErrKeyTooLong = errors.New("mysqlcache: cache key is longer than 250 characters")

	// State errors.
	ErrKeyNotFound = errors.New("mysqlcache: key not found")

	// Data-integrity errors.
	ErrIntegerOverflow    = errors.New("mysqlcache: integer value out of signed 64-bit range")
	ErrUnknownValueType   = errors.New("mysqlcache: unknown value_type")
	ErrSerialization      = errors.New("mysqlcache: cannot serialize value")
	ErrMalformedKey       = errors.New("mysqlcache: storage key does not match the key format")
	ErrInvalidDestination = errors.New("mysqlcache: destination must be a non-nil pointer")
)
