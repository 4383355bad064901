// Package lock provides a key-scoped mutual-exclusion lock manager.
//
// A Manager serializes access to logical resources identified by string
// keys ("reorder records under parent P", "run migration M once"). Locks are
// created on first use and discarded once idle. Waiters for a key are served
// strictly in arrival order; a waiter whose timeout or context fires first
// leaves the queue and is never granted afterwards.
//
//	release, err := m.Acquire(ctx, "order-42", 200*time.Millisecond)
//	if err != nil {
//		return err // errors.Is(err, errors.ErrLockAcquireTimeout)
//	}
//	defer release()
//
// RunExclusive and Exclusive wrap acquisition and guarantee the release on
// every exit path, panics included.
package lock
