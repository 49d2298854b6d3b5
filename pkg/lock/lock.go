// Package lock provides named mutual-exclusion leases. The compactor
// uses them to guarantee one worker per partition; any other component
// needing cross-worker exclusion can share the same Locker.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotAcquired is returned when the lock is held by another owner.
// Callers treat it as a deliberate skip, not a failure.
var ErrNotAcquired = errors.New("lock not acquired")

type Handle interface {
	// Release frees the lock. Safe to call on all exit paths; releasing
	// an expired lease is a no-op.
	Release(ctx context.Context) error
}

type Locker interface {
	// Acquire takes the named lock for at most lease. Returns
	// ErrNotAcquired when the lock is held and the lease has not
	// expired; an expired lease is treated as abandoned by the
	// previous holder and may be taken over.
	Acquire(ctx context.Context, name string, lease time.Duration) (Handle, error)
}
