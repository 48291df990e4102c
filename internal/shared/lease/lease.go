// Package lease grants exclusive, expiring ownership of a key.
//
// The dispatcher takes one lease per running session so that two processes
// never drive the same session at once.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld is returned when another owner holds the lease.
	ErrHeld = errors.New("lease held by another owner")
	// ErrLost is returned when refreshing a lease that expired or changed owner.
	ErrLost = errors.New("lease lost")
)

// Locker grants leases.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
}
