package metrics

import "github.com/prometheus/client_golang/prometheus"

// Lock groups the collectors exported by a lock manager.
type Lock struct {
	// Acquires counts acquisition attempts by result
	// (granted, timeout, canceled, busy, rejected).
	Acquires *prometheus.CounterVec
	// Releases counts effective releases.
	Releases prometheus.Counter
	// Waiters reports the number of queued acquirers across all keys.
	Waiters prometheus.Gauge
	// Held reports the number of keys currently held.
	Held prometheus.Gauge
	// WaitSeconds observes how long granted acquirers waited.
	WaitSeconds prometheus.Histogram
}

// NewLock creates the lock collectors and registers them on reg.
func NewLock(reg prometheus.Registerer) *Lock {
	m := &Lock{
		Acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_lock_acquire_total",
			Help: "Total number of lock acquisition attempts by result",
		}, []string{"result"}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_lock_release_total",
			Help: "Total number of lock releases",
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_lock_waiters",
			Help: "Current number of queued lock acquirers",
		}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_lock_held",
			Help: "Current number of held lock keys",
		}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_lock_wait_seconds",
			Help:    "Time spent waiting for a lock grant",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(m.Acquires, m.Releases, m.Waiters, m.Held, m.WaitSeconds)
	return m
}

// Bus groups the collectors exported by a pub/sub manager.
type Bus struct {
	// Published counts envelopes handed to the adapter.
	Published prometheus.Counter
	// PublishErrors counts adapter publish failures.
	PublishErrors prometheus.Counter
	// Delivered counts listener invocations.
	Delivered prometheus.Counter
	// Dropped counts messages not delivered, by reason
	// (self, malformed, panic).
	Dropped *prometheus.CounterVec
	// Listeners reports registered listeners, catch-all included.
	Listeners prometheus.Gauge
}

// NewBus creates the bus collectors and registers them on reg.
func NewBus(reg prometheus.Registerer) *Bus {
	m := &Bus{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_pubsub_published_total",
			Help: "Total number of published messages",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_pubsub_publish_errors_total",
			Help: "Total number of failed publishes",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_pubsub_delivered_total",
			Help: "Total number of messages delivered to listeners",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coord_pubsub_dropped_total",
			Help: "Total number of messages dropped before delivery by reason",
		}, []string{"reason"}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_pubsub_listeners",
			Help: "Current number of registered listeners",
		}),
	}
	reg.MustRegister(m.Published, m.PublishErrors, m.Delivered, m.Dropped, m.Listeners)
	return m
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
