package lock

import (
	"context"
	"time"
)

// RunExclusive acquires key, runs fn and releases the lock whether fn
// returns, fails or panics. When acquisition fails fn is not called and the
// acquisition error is returned.
func (m *Manager) RunExclusive(ctx context.Context, key string, timeout time.Duration, fn func(context.Context) error) error {
	release, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Exclusive is RunExclusive for functions producing a value.
func Exclusive[T any](ctx context.Context, m *Manager, key string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	release, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn(ctx)
}
