// Package coord bundles the lock manager and the pub/sub manager of one
// application and ties the bus to the application lifecycle.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
)

// Coordinator owns the process coordination layer of an application.
type Coordinator struct {
	Locks  *lock.Manager
	PubSub *pubsub.Manager

	name string
	log  *slog.Logger

	mu      sync.Mutex
	started bool
	plugins map[string]pubsub.ListenerID
}

type settings struct {
	adapter    pubsub.Adapter
	log        *slog.Logger
	reg        prometheus.Registerer
	lockOpts   []lock.Option
	pubsubOpts []pubsub.Option
}

// Option configures a Coordinator.
type Option func(*settings)

// WithAdapter installs the pub/sub transport.
func WithAdapter(a pubsub.Adapter) Option {
	return func(s *settings) { s.adapter = a }
}

// WithLogger sets the logger of the coordinator and both managers. A nil
// logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics registers the lock and bus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *settings) { s.reg = reg }
}

// WithLockOptions passes options to the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(s *settings) { s.lockOpts = append(s.lockOpts, opts...) }
}

// WithPubSubOptions passes options to the pub/sub manager.
func WithPubSubOptions(opts ...pubsub.Option) Option {
	return func(s *settings) { s.pubsubOpts = append(s.pubsubOpts, opts...) }
}

// New returns a Coordinator for the application name.
func New(name string, opts ...Option) *Coordinator {
	s := settings{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	lockOpts := []lock.Option{lock.WithLogger(s.log)}
	pubsubOpts := []pubsub.Option{pubsub.WithLogger(s.log)}
	if s.reg != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(s.reg))
		pubsubOpts = append(pubsubOpts, pubsub.WithMetrics(s.reg))
	}

	c := &Coordinator{
		Locks:   lock.New(append(lockOpts, s.lockOpts...)...),
		PubSub:  pubsub.New(name, append(pubsubOpts, s.pubsubOpts...)...),
		name:    name,
		log:     s.log,
		plugins: make(map[string]pubsub.ListenerID),
	}
	if s.adapter != nil {
		c.PubSub.SetAdapter(s.adapter)
	}
	return c
}

// Name returns the application name.
func (c *Coordinator) Name() string { return c.name }

// LoadPlugin subscribes p to its own channel. Loading a plugin twice, or a
// plugin without a name, does nothing.
func (c *Coordinator) LoadPlugin(ctx context.Context, p pubsub.Plugin) error {
	name := p.Name()
	if name == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plugins[name]; ok {
		return nil
	}
	id, err := c.PubSub.RegisterPlugin(ctx, p)
	if err != nil {
		return fmt.Errorf("coord: load plugin %q: %w", name, err)
	}
	c.plugins[name] = id
	c.log.Debug("coord: plugin loaded", "plugin", name)
	return nil
}

// UnloadPlugin removes the subscription of the named plugin.
func (c *Coordinator) UnloadPlugin(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.plugins[name]
	if !ok {
		return nil
	}
	delete(c.plugins, name)
	return c.PubSub.Unsubscribe(ctx, name, id)
}

// Start connects the bus, replaying every subscription made so far.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.PubSub.Connect(ctx); err != nil {
		return fmt.Errorf("coord: start %s: %w", c.name, err)
	}
	c.started = true
	c.log.Info("coord: started", "app", c.name, "prefix", c.PubSub.Prefix(), "publisher", c.PubSub.PublisherID())
	return nil
}

// Stop closes the bus. Subscriptions are kept for a later Start. When the
// bus fails to close the coordinator stays started.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	if err := c.PubSub.Close(ctx); err != nil {
		return fmt.Errorf("coord: stop %s: %w", c.name, err)
	}
	c.started = false
	c.log.Info("coord: stopped", "app", c.name)
	return nil
}
