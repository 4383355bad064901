// Package nats implements pubsub.Adapter on core NATS subjects.
package nats

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/pubsub/nats")

// fullWildcard matches every subject for OnMessage handlers. It is only
// subscribed once a handler is registered.
const fullWildcard = ">"

type subscription struct {
	sub       *nats.Subscription
	receivers []pubsub.Receiver
}

// Adapter maps every channel onto the NATS subject of the same name. Since
// channels are "<prefix>.<channel>", prefixes become the first subject
// token.
type Adapter struct {
	url   string
	opts  []nats.Option
	owned bool

	mu       sync.Mutex
	conn     *nats.Conn
	subs     map[string]*subscription
	wildcard *nats.Subscription
	handlers []func(channel string, raw []byte)

	published atomic.Uint64
	delivered atomic.Uint64
}

// New returns an adapter that dials url on Connect and closes the
// connection on Close.
func New(url string, opts ...nats.Option) *Adapter {
	return &Adapter{
		url:   url,
		opts:  opts,
		owned: true,
		subs:  make(map[string]*subscription),
	}
}

// NewWithConn returns an adapter on an existing connection, which stays
// open after Close.
func NewWithConn(conn *nats.Conn) *Adapter {
	return &Adapter{
		conn: conn,
		subs: make(map[string]*subscription),
	}
}

// Connect implements pubsub.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || (a.owned && a.conn.IsClosed()) {
		conn, err := nats.Connect(a.url, a.opts...)
		if err != nil {
			return err
		}
		a.conn = conn
	}
	if a.conn.IsClosed() {
		return coorderrors.ErrConnectionClosed
	}
	if len(a.handlers) > 0 && a.wildcard == nil {
		return a.startWildcardLocked()
	}
	return nil
}

// Close implements pubsub.Adapter.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for channel, s := range a.subs {
		_ = s.sub.Unsubscribe()
		delete(a.subs, channel)
	}
	if a.wildcard != nil {
		_ = a.wildcard.Unsubscribe()
		a.wildcard = nil
	}
	if a.owned && a.conn != nil {
		a.conn.Close()
	}
	return nil
}

func (a *Adapter) connLocked() (*nats.Conn, error) {
	if a.conn == nil || a.conn.IsClosed() {
		return nil, coorderrors.ErrConnectionClosed
	}
	return a.conn, nil
}

// Subscribe implements pubsub.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, err := a.connLocked()
	if err != nil {
		return err
	}
	if s, ok := a.subs[channel]; ok {
		if !slices.Contains(s.receivers, r) {
			s.receivers = append(s.receivers, r)
		}
		return nil
	}
	s := &subscription{receivers: []pubsub.Receiver{r}}
	ns, err := conn.Subscribe(channel, a.handler(s))
	if err != nil {
		return err
	}
	// Make sure the server knows about the interest before returning.
	if err := conn.Flush(); err != nil {
		_ = ns.Unsubscribe()
		return err
	}
	s.sub = ns
	a.subs[channel] = s
	return nil
}

func (a *Adapter) handler(s *subscription) nats.MsgHandler {
	return func(msg *nats.Msg) {
		a.mu.Lock()
		receivers := slices.Clone(s.receivers)
		a.mu.Unlock()
		for _, r := range receivers {
			r.Receive(msg.Data)
			a.delivered.Add(1)
		}
	}
}

// Unsubscribe implements pubsub.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.subs[channel]
	if !ok {
		return nil
	}
	if i := slices.Index(s.receivers, r); i >= 0 {
		s.receivers = slices.Delete(s.receivers, i, i+1)
	}
	if len(s.receivers) == 0 {
		delete(a.subs, channel)
		return s.sub.Unsubscribe()
	}
	return nil
}

// Publish implements pubsub.Adapter.
func (a *Adapter) Publish(ctx context.Context, channel string, raw []byte) error {
	_, span := tracer.Start(ctx, "nats.Publish", trace.WithAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", channel),
	))
	defer span.End()

	a.mu.Lock()
	conn, err := a.connLocked()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.Publish(channel, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return err
	}
	a.published.Add(1)
	return nil
}

// OnMessage implements pubsub.Adapter.
func (a *Adapter) OnMessage(fn func(channel string, raw []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
	if a.wildcard == nil && a.conn != nil && !a.conn.IsClosed() {
		if err := a.startWildcardLocked(); err != nil {
			slog.Warn("nats: wildcard subscribe failed, retrying on next connect", "subject", fullWildcard, "err", err)
		}
	}
}

func (a *Adapter) startWildcardLocked() error {
	sub, err := a.conn.Subscribe(fullWildcard, func(msg *nats.Msg) {
		a.mu.Lock()
		handlers := slices.Clone(a.handlers)
		a.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Subject, msg.Data)
		}
	})
	if err != nil {
		return err
	}
	if err := a.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	a.wildcard = sub
	return nil
}

// Stats reports adapter level delivery counters.
func (a *Adapter) Stats() pubsub.Stats {
	return pubsub.Stats{
		Published: a.published.Load(),
		Delivered: a.delivered.Load(),
	}
}
