package pubsub

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-coord/v1/metrics"
)

const defaultPluginDebounce = time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix overrides the channel prefix, which defaults to the manager name.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithPublisherID replaces the generated publisher ID.
func WithPublisherID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.publisherID = id
		}
	}
}

// WithPluginDebounce sets the debounce applied to plugin subscriptions.
func WithPluginDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.pluginDebounce = d
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
		m.metrics = metrics.NewBus(reg)
	}
}
