package pubsub

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

// InMemory is a process-local Adapter. Several managers may share one
// instance, which is how tests model a shared broker. Delivery is
// synchronous: Publish returns after every receiver has run.
type InMemory struct {
	mu       sync.Mutex
	refs     int
	subs     map[string][]Receiver
	handlers []func(channel string, raw []byte)

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemory returns an unconnected in-memory adapter.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]Receiver)}
}

// Connect implements Adapter. Connections are counted; the adapter stays
// open until every Connect has been matched by a Close.
func (b *InMemory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return nil
}

// Close implements Adapter. The last Close drops every subscription, like a
// broker connection going away.
func (b *InMemory) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return nil
	}
	b.refs--
	if b.refs == 0 {
		clear(b.subs)
	}
	return nil
}

// Subscribe implements Adapter.
func (b *InMemory) Subscribe(ctx context.Context, channel string, r Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return coorderrors.ErrConnectionClosed
	}
	if slices.Contains(b.subs[channel], r) {
		return nil
	}
	b.subs[channel] = append(b.subs[channel], r)
	return nil
}

// Unsubscribe implements Adapter.
func (b *InMemory) Unsubscribe(ctx context.Context, channel string, r Receiver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	if i := slices.Index(subs, r); i >= 0 {
		subs = slices.Delete(subs, i, i+1)
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
	} else {
		b.subs[channel] = subs
	}
	return nil
}

// Publish implements Adapter.
func (b *InMemory) Publish(ctx context.Context, channel string, raw []byte) error {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		return coorderrors.ErrConnectionClosed
	}
	subs := slices.Clone(b.subs[channel])
	handlers := slices.Clone(b.handlers)
	b.mu.Unlock()

	b.published.Add(1)
	for _, r := range subs {
		r.Receive(raw)
		b.delivered.Add(1)
	}
	for _, fn := range handlers {
		fn(channel, raw)
	}
	return nil
}

// OnMessage implements Adapter.
func (b *InMemory) OnMessage(fn func(channel string, raw []byte)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// Stats reports adapter level delivery counters.
type Stats struct {
	Published uint64
	Delivered uint64
}

// Stats returns the number of published payloads and receiver deliveries.
func (b *InMemory) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
