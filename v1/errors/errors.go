package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockAcquireTimeout is returned when a timed Acquire reaches its
	// deadline without becoming the holder.
	ErrLockAcquireTimeout = errors.New("lock acquire timeout")
	// ErrLockAcquire is returned by TryAcquire when the key is held.
	ErrLockAcquire = errors.New("lock is held")
	// ErrMaxWaiters is returned when the waiter queue of a key is full.
	ErrMaxWaiters = errors.New("max waiters reached")

	// ErrMalformedEnvelope marks a wire payload that is not a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)
