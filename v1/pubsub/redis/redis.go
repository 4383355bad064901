// Package redis implements pubsub.Adapter on Redis PUBLISH / SUBSCRIBE.
package redis

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/pubsub/redis")

// catchAllPattern matches every channel for OnMessage handlers. It is only
// subscribed once a handler is registered.
const catchAllPattern = "*"

type subscription struct {
	ps        *redis.PubSub
	receivers []pubsub.Receiver
}

// Adapter delivers pubsub channels over one Redis deployment. Each channel
// gets its own SUBSCRIBE connection; OnMessage handlers share one
// PSUBSCRIBE connection.
type Adapter struct {
	client redis.UniversalClient

	mu        sync.Mutex
	connected bool
	subs      map[string]*subscription
	pattern   *redis.PubSub
	handlers  []func(channel string, raw []byte)
	wg        sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
}

// New returns an adapter using client. The client is owned by the caller
// and is not closed by Close.
func New(client redis.UniversalClient) *Adapter {
	return &Adapter{
		client: client,
		subs:   make(map[string]*subscription),
	}
}

// Connect implements pubsub.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if err := a.client.Ping(ctx).Err(); err != nil {
		return mapErr(ctx, err)
	}
	a.connected = true
	if len(a.handlers) > 0 {
		return a.startPatternLocked(ctx)
	}
	return nil
}

// Close implements pubsub.Adapter. Every subscription is dropped and the
// dispatch goroutines are awaited.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	for channel, sub := range a.subs {
		_ = sub.ps.Close()
		delete(a.subs, channel)
	}
	if a.pattern != nil {
		_ = a.pattern.Close()
		a.pattern = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

// Subscribe implements pubsub.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return coorderrors.ErrConnectionClosed
	}
	if len(a.handlers) > 0 && a.pattern == nil {
		if err := a.startPatternLocked(ctx); err != nil {
			return err
		}
	}
	if sub, ok := a.subs[channel]; ok {
		if !slices.Contains(sub.receivers, r) {
			sub.receivers = append(sub.receivers, r)
		}
		return nil
	}

	ps := a.client.Subscribe(ctx, channel)
	// Wait for the confirmation so that a publish issued right after
	// Subscribe returns is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return mapErr(ctx, err)
	}
	sub := &subscription{ps: ps, receivers: []pubsub.Receiver{r}}
	a.subs[channel] = sub
	a.wg.Add(1)
	go a.dispatch(channel, sub)
	return nil
}

// Unsubscribe implements pubsub.Adapter. The Redis subscription is closed
// once its last receiver is gone.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub, ok := a.subs[channel]
	if !ok {
		return nil
	}
	if i := slices.Index(sub.receivers, r); i >= 0 {
		sub.receivers = slices.Delete(sub.receivers, i, i+1)
	}
	if len(sub.receivers) == 0 {
		delete(a.subs, channel)
		return sub.ps.Close()
	}
	return nil
}

// Publish implements pubsub.Adapter.
func (a *Adapter) Publish(ctx context.Context, channel string, raw []byte) error {
	ctx, span := tracer.Start(ctx, "redis.Publish", trace.WithAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination.name", channel),
	))
	defer span.End()

	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return coorderrors.ErrConnectionClosed
	}
	if err := a.client.Publish(ctx, channel, raw).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return mapErr(ctx, err)
	}
	a.published.Add(1)
	return nil
}

// OnMessage implements pubsub.Adapter.
func (a *Adapter) OnMessage(fn func(channel string, raw []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
	if a.connected && a.pattern == nil {
		if err := a.startPatternLocked(context.Background()); err != nil {
			slog.Warn("redis: pattern subscribe failed, retrying on next subscribe", "pattern", catchAllPattern, "err", err)
		}
	}
}

func (a *Adapter) startPatternLocked(ctx context.Context) error {
	ps := a.client.PSubscribe(ctx, catchAllPattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return mapErr(ctx, err)
	}
	a.pattern = ps
	a.wg.Add(1)
	go a.dispatchPattern(ps)
	return nil
}

func (a *Adapter) dispatch(channel string, sub *subscription) {
	defer a.wg.Done()
	for msg := range sub.ps.Channel() {
		a.mu.Lock()
		receivers := slices.Clone(sub.receivers)
		a.mu.Unlock()
		for _, r := range receivers {
			r.Receive([]byte(msg.Payload))
			a.delivered.Add(1)
		}
	}
}

func (a *Adapter) dispatchPattern(ps *redis.PubSub) {
	defer a.wg.Done()
	for msg := range ps.Channel() {
		a.mu.Lock()
		handlers := slices.Clone(a.handlers)
		a.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Stats reports adapter level delivery counters.
func (a *Adapter) Stats() pubsub.Stats {
	return pubsub.Stats{
		Published: a.published.Load(),
		Delivered: a.delivered.Load(),
	}
}

func mapErr(ctx context.Context, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return coorderrors.ErrTimeout
	}
	return err
}
