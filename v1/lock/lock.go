package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/lock")

// keyState is the holder slot and waiter queue of one key. While waiters
// are queued held is always true: a release hands the slot over instead of
// emptying it.
type keyState struct {
	held    bool
	waiters waitQueue
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*keyState
}

// Manager hands out exclusive locks on string keys.
type Manager struct {
	shards     []shard
	mask       uint64
	shardCount int
	maxWaiters int
	log        *slog.Logger
	metrics    *metrics.Lock
}

// New returns a Manager ready for use.
func New(opts ...Option) *Manager {
	m := &Manager{
		shardCount: defaultShardCount,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.shards = make([]shard, m.shardCount)
	for i := range m.shards {
		m.shards[i].locks = make(map[string]*keyState)
	}
	m.mask = uint64(m.shardCount - 1)
	return m
}

func (m *Manager) shard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)&m.mask]
}

// Acquire blocks until the caller holds key. A positive timeout bounds the
// wait and yields an error wrapping errors.ErrLockAcquireTimeout; zero or
// negative waits indefinitely. Cancelling ctx abandons the wait with
// ctx.Err().
//
// The grant and the withdrawal of a waiter are decided under the shard
// mutex, so a waiter that gave up is never granted later.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (Release, error) {
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("coord.lock.key", key),
		attribute.Int64("coord.lock.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		m.countAcquire("canceled")
		return nil, err
	}

	s := m.shard(key)
	s.mu.Lock()
	st, ok := s.locks[key]
	if !ok {
		st = &keyState{}
		s.locks[key] = st
	}
	if !st.held {
		st.held = true
		s.mu.Unlock()
		m.onHeld()
		m.countAcquire("granted")
		return m.newRelease(key), nil
	}
	if m.maxWaiters > 0 && st.waiters.len() >= m.maxWaiters {
		s.mu.Unlock()
		m.countAcquire("rejected")
		span.SetStatus(codes.Error, "max waiters")
		return nil, fmt.Errorf("lock %q: %w", key, coorderrors.ErrMaxWaiters)
	}
	w := &waiter{ready: make(chan struct{}), enqueued: time.Now()}
	st.waiters.push(w)
	s.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Waiters.Inc()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return m.granted(key, w), nil
	case <-expired:
		err := fmt.Errorf("lock %q: %w after %s", key, coorderrors.ErrLockAcquireTimeout, timeout)
		release, werr := m.withdraw(key, w, err, "timeout")
		if werr != nil {
			span.SetStatus(codes.Error, "timeout")
			m.log.Debug("lock: acquire timed out", "key", key, "timeout", timeout)
		}
		return release, werr
	case <-ctx.Done():
		release, werr := m.withdraw(key, w, ctx.Err(), "canceled")
		if werr != nil {
			span.SetStatus(codes.Error, "canceled")
		}
		return release, werr
	}
}

// withdraw removes w from the queue of key. If the grant was recorded first
// it stands and the caller becomes the holder.
func (m *Manager) withdraw(key string, w *waiter, cause error, result string) (Release, error) {
	s := m.shard(key)
	s.mu.Lock()
	if w.granted {
		s.mu.Unlock()
		return m.granted(key, w), nil
	}
	if st, ok := s.locks[key]; ok {
		st.waiters.remove(w)
		if !st.held && st.waiters.len() == 0 {
			delete(s.locks, key)
		}
	}
	s.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Waiters.Dec()
	}
	m.countAcquire(result)
	return nil, cause
}

func (m *Manager) granted(key string, w *waiter) Release {
	if m.metrics != nil {
		m.metrics.WaitSeconds.Observe(time.Since(w.enqueued).Seconds())
	}
	m.countAcquire("granted")
	return m.newRelease(key)
}

// TryAcquire takes key only if nobody holds or waits for it. It never
// blocks and never queues; a busy key yields errors.ErrLockAcquire.
func (m *Manager) TryAcquire(key string) (*Lock, error) {
	s := m.shard(key)
	s.mu.Lock()
	st, ok := s.locks[key]
	if ok && st.held {
		s.mu.Unlock()
		m.countAcquire("busy")
		return nil, fmt.Errorf("lock %q: %w", key, coorderrors.ErrLockAcquire)
	}
	if !ok {
		st = &keyState{}
		s.locks[key] = st
	}
	st.held = true
	s.mu.Unlock()
	m.onHeld()
	m.countAcquire("granted")
	return &Lock{m: m, key: key, release: m.newRelease(key)}, nil
}

func (m *Manager) newRelease(key string) Release {
	var done atomic.Bool
	return func() {
		if !done.CompareAndSwap(false, true) {
			return
		}
		m.release(key)
	}
}

// release empties the holder slot of key, promoting the head waiter.
func (m *Manager) release(key string) {
	s := m.shard(key)
	s.mu.Lock()
	st, ok := s.locks[key]
	if !ok || !st.held {
		s.mu.Unlock()
		m.log.Warn("lock: release of a key that is not held", "key", key)
		return
	}
	next := st.waiters.pop()
	if next != nil {
		next.granted = true
		close(next.ready)
	} else {
		st.held = false
		delete(s.locks, key)
	}
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Releases.Inc()
		if next != nil {
			m.metrics.Waiters.Dec()
		} else {
			m.metrics.Held.Dec()
		}
	}
}

// IsLocked reports whether key currently has a holder.
func (m *Manager) IsLocked(key string) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.locks[key]
	return ok && st.held
}

// Waiters returns the number of acquirers queued for key.
func (m *Manager) Waiters(key string) int {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.locks[key]; ok {
		return st.waiters.len()
	}
	return 0
}

// Len returns the number of keys that are held or waited for.
func (m *Manager) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (m *Manager) onHeld() {
	if m.metrics != nil {
		m.metrics.Held.Inc()
	}
}

func (m *Manager) countAcquire(result string) {
	if m.metrics != nil {
		m.metrics.Acquires.WithLabelValues(result).Inc()
	}
}
