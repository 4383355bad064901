package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned by CircuitBreaker while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker decorates an Adapter so that Publish and Connect fail fast
// after threshold consecutive failures, for timeout, before a probe is let
// through again.
type CircuitBreaker struct {
	Adapter
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewCircuitBreaker wraps a.
func NewCircuitBreaker(a Adapter, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	st := gobreaker.Settings{
		Name:        "pubsub",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	}
	return &CircuitBreaker{
		Adapter: a,
		cb:      gobreaker.NewCircuitBreaker[struct{}](st),
	}
}

// IsHealthy reports whether the breaker is closed.
func (c *CircuitBreaker) IsHealthy() bool {
	return c.cb.State() == gobreaker.StateClosed
}

// State returns the breaker state.
func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

// Connect implements Adapter.
func (c *CircuitBreaker) Connect(ctx context.Context) error {
	return c.do(func() error { return c.Adapter.Connect(ctx) })
}

// Publish implements Adapter.
func (c *CircuitBreaker) Publish(ctx context.Context, channel string, raw []byte) error {
	return c.do(func() error { return c.Adapter.Publish(ctx, channel, raw) })
}

func (c *CircuitBreaker) do(fn func() error) error {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
