package ports

import (
	"context"
	"errors"
)

// ErrLockUnavailable is matched (errors.Is) by Locker.Acquire failures caused
// by another holder.
var ErrLockUnavailable = errors.New("lock held elsewhere")

// Locker is a named advisory lock shared between processes.
type Locker interface {
	Name() string
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	IsHeld(ctx context.Context) (bool, error)
}
