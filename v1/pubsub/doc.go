// Package pubsub multiplexes logical channels over one pluggable transport.
//
// A Manager namespaces every logical channel as "<prefix>.<channel>" on the
// wire, wraps payloads in an envelope carrying the publisher ID of the
// manager, drops messages it published itself (unless asked not to) and can
// debounce deliveries per listener. The transport is any Adapter: the
// in-memory one in this package, or the Redis, NATS and Kafka adapters in
// the sub packages.
//
// Without an adapter every operation is a no-op, so application code can
// publish and subscribe unconditionally where pub/sub is disabled.
//
//	m := pubsub.New("app")
//	m.SetAdapter(pubsub.NewInMemory())
//	_ = m.Connect(ctx)
//	id, _ := m.Subscribe(ctx, "cache", func(msg json.RawMessage) { ... },
//		pubsub.WithDebounce(time.Second))
//	_ = m.Publish(ctx, "cache", map[string]string{"invalidate": "users"})
package pubsub
