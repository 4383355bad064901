package lock

import (
	"context"
	"time"
)

// Release gives up a held lock and hands it to the next waiter.
// Only the first call has an effect.
type Release func()

// Lock is a held lock obtained through TryAcquire.
type Lock struct {
	m       *Manager
	key     string
	release Release
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

// Release gives up the lock. It is idempotent.
func (l *Lock) Release() { l.release() }

// Acquire queues for the same key like any other contender. The lock is not
// reentrant: while l is still held the call waits for l.Release.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (Release, error) {
	return l.m.Acquire(ctx, l.key, timeout)
}

// RunExclusive runs fn under the same key. See Manager.RunExclusive.
func (l *Lock) RunExclusive(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return l.m.RunExclusive(ctx, l.key, timeout, fn)
}
