package lock

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const (
	defaultShardCount = 32
	maxShardCount     = 1 << 16
)

// Option configures a Manager.
type Option func(*Manager)

// WithShardCount sets the number of shards the key map is split into.
// The value is rounded up to a power of two and capped at 65536.
// Non-positive values keep the default of 32.
func WithShardCount(n int) Option {
	return func(m *Manager) {
		if n <= 0 {
			return
		}
		m.shardCount = normalizeShardCount(n)
	}
}

// WithMaxWaiters bounds the waiter queue of every key. Acquire calls that
// would exceed it fail with errors.ErrMaxWaiters. Zero means unbounded.
func WithMaxWaiters(n int) Option {
	return func(m *Manager) {
		if n < 0 {
			n = 0
		}
		m.maxWaiters = n
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = metrics.NewLock(reg)
	}
}

func normalizeShardCount(n int) int {
	if n > maxShardCount {
		return maxShardCount
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
