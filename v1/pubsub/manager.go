package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-coord/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/pubsub")

// Manager owns the channel registry of an application and drives the
// adapter lifecycle.
type Manager struct {
	name           string
	prefix         string
	publisherID    string
	pluginDebounce time.Duration
	log            *slog.Logger
	metrics        *metrics.Bus

	// mu serializes registry mutations and adapter lifecycle calls.
	mu        sync.Mutex
	adapter   Adapter
	adapterID uint64
	connected bool
	// replayed is false while some registration may be missing from a
	// connected adapter; the next Connect replays them all.
	replayed bool
	// dispatching is set once the catch-all dispatcher is installed on the
	// current adapter.
	dispatching bool
	subs        map[string]map[ListenerID]*listener
	catchAll    []*listener
}

// New returns a Manager for the application name. The name is also the
// default channel prefix.
func New(name string, opts ...Option) *Manager {
	m := &Manager{
		name:           name,
		prefix:         name,
		publisherID:    uuid.NewString(),
		pluginDebounce: defaultPluginDebounce,
		log:            slog.Default(),
		subs:           make(map[string]map[ListenerID]*listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Name returns the application name.
func (m *Manager) Name() string { return m.name }

// Prefix returns the channel prefix.
func (m *Manager) Prefix() string { return m.prefix }

// PublisherID returns the identity stamped on every published envelope.
func (m *Manager) PublisherID() string { return m.publisherID }

func (m *Manager) wireChannel(channel string) string {
	return m.prefix + "." + channel
}

// SetAdapter installs the transport. Registered subscriptions reach the new
// adapter on the next Connect.
func (m *Manager) SetAdapter(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapter = a
	m.adapterID++
	m.connected = false
	m.replayed = false
	m.dispatching = false
	if len(m.catchAll) > 0 {
		m.installDispatcherLocked()
	}
}

// installDispatcherLocked hands the catch-all dispatcher to the adapter.
// Adapters subscribe to every channel for it, so this only happens once a
// catch-all listener exists.
func (m *Manager) installDispatcherLocked() {
	if m.adapter == nil || m.dispatching {
		return
	}
	m.adapter.OnMessage(m.dispatcher(m.adapterID))
	m.dispatching = true
}

// Connected reports whether the adapter is connected with every
// registration installed.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && m.replayed
}

// Connect opens the adapter and registers every known subscription with it.
// Without an adapter it does nothing. When a registration fails the error is
// returned and the next Connect replays every registration again; adapters
// ignore receivers they already hold.
func (m *Manager) Connect(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "pubsub.Connect", trace.WithAttributes(attribute.String("coord.pubsub.prefix", m.prefix)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapter == nil || (m.connected && m.replayed) {
		return nil
	}
	if !m.connected {
		if err := m.adapter.Connect(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "connect")
			return fmt.Errorf("pubsub: connect: %w", err)
		}
		m.connected = true
	}
	for _, channel := range slices.Sorted(maps.Keys(m.subs)) {
		for _, l := range m.subs[channel] {
			if err := m.adapter.Subscribe(ctx, m.wireChannel(channel), l); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "resubscribe")
				return fmt.Errorf("pubsub: resubscribe %q: %w", channel, err)
			}
		}
	}
	m.replayed = true
	m.log.Debug("pubsub: connected", "prefix", m.prefix, "channels", len(m.subs))
	return nil
}

// Close closes the adapter. Subscriptions stay registered so that a later
// Connect restores them. Without an adapter it does nothing.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	a, id := m.adapter, m.adapterID
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	// Adapters may wait for in-flight deliveries, which can re-enter the
	// manager, so mu is not held here.
	if err := a.Close(ctx); err != nil {
		return fmt.Errorf("pubsub: close: %w", err)
	}
	m.mu.Lock()
	if m.adapterID == id {
		m.connected = false
		m.replayed = false
	}
	m.mu.Unlock()
	return nil
}

// Subscribe registers fn on channel and returns the listener ID needed to
// unsubscribe. When connected the listener is installed on the adapter
// right away, otherwise on the next Connect. A failed adapter subscription
// leaves nothing registered.
func (m *Manager) Subscribe(ctx context.Context, channel string, fn MessageFunc, opts ...SubscribeOption) (ListenerID, error) {
	l := m.newListener(channel, func(_ string, msg json.RawMessage) { fn(msg) }, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.subs[channel]
	if !ok {
		reg = make(map[ListenerID]*listener)
		m.subs[channel] = reg
	}
	reg[l.id] = l
	if m.adapter != nil && m.connected {
		if err := m.adapter.Subscribe(ctx, m.wireChannel(channel), l); err != nil {
			m.removeLocked(channel, l)
			return "", fmt.Errorf("pubsub: subscribe %q: %w", channel, err)
		}
	}
	if m.metrics != nil {
		m.metrics.Listeners.Inc()
	}
	return l.id, nil
}

// Unsubscribe removes the listener id from channel and discards its pending
// debounced delivery. Unknown channels or IDs are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, id ListenerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.subs[channel][id]
	if !ok {
		return nil
	}
	m.removeLocked(channel, l)
	if m.metrics != nil {
		m.metrics.Listeners.Dec()
	}
	if m.adapter != nil && m.connected {
		if err := m.adapter.Unsubscribe(ctx, m.wireChannel(channel), l); err != nil {
			return fmt.Errorf("pubsub: unsubscribe %q: %w", channel, err)
		}
	}
	return nil
}

func (m *Manager) removeLocked(channel string, l *listener) {
	reg := m.subs[channel]
	delete(reg, l.id)
	if len(reg) == 0 {
		delete(m.subs, channel)
	}
	l.stop()
}

// Publish sends message on channel. Without an adapter it does nothing.
// There is a single delivery attempt; failures are returned, not retried.
func (m *Manager) Publish(ctx context.Context, channel string, message any) error {
	m.mu.Lock()
	a := m.adapter
	m.mu.Unlock()
	if a == nil {
		return nil
	}

	ctx, span := tracer.Start(ctx, "pubsub.Publish", trace.WithAttributes(attribute.String("coord.pubsub.channel", m.wireChannel(channel))))
	defer span.End()

	raw, err := EncodeEnvelope(m.publisherID, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return err
	}
	if err := a.Publish(ctx, m.wireChannel(channel), raw); err != nil {
		if m.metrics != nil {
			m.metrics.PublishErrors.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return fmt.Errorf("pubsub: publish %q: %w", channel, err)
	}
	if m.metrics != nil {
		m.metrics.Published.Inc()
	}
	return nil
}

// OnMessage registers fn for every message on this manager's prefix. fn
// receives the logical channel name, with the prefix stripped.
func (m *Manager) OnMessage(fn ChannelMessageFunc, opts ...SubscribeOption) ListenerID {
	l := m.newListener("", fn, opts)
	m.mu.Lock()
	m.catchAll = append(m.catchAll, l)
	m.installDispatcherLocked()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Listeners.Inc()
	}
	return l.id
}

// OffMessage removes a listener registered with OnMessage.
func (m *Manager) OffMessage(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.catchAll {
		if l.id == id {
			m.catchAll = slices.Delete(m.catchAll, i, i+1)
			l.stop()
			if m.metrics != nil {
				m.metrics.Listeners.Dec()
			}
			return
		}
	}
}

// dispatcher feeds catch-all listeners from the adapter installed as
// generation id. Messages from a replaced adapter are ignored.
func (m *Manager) dispatcher(id uint64) func(channel string, raw []byte) {
	prefix := m.prefix + "."
	return func(channel string, raw []byte) {
		if !strings.HasPrefix(channel, prefix) {
			return
		}
		m.mu.Lock()
		if m.adapterID != id || len(m.catchAll) == 0 {
			m.mu.Unlock()
			return
		}
		ls := slices.Clone(m.catchAll)
		m.mu.Unlock()

		logical := strings.TrimPrefix(channel, prefix)
		for _, l := range ls {
			l.handle(logical, raw)
		}
	}
}

func (m *Manager) countDrop(reason string) {
	if m.metrics != nil {
		m.metrics.Dropped.WithLabelValues(reason).Inc()
	}
}
