package pubsub

import "context"

// Receiver consumes raw wire payloads of one channel. Adapters compare
// receivers with ==, so implementations must be comparable (pointers).
type Receiver interface {
	Receive(raw []byte)
}

// Adapter is the transport used by a Manager. Channel names handed to an
// adapter are already prefixed.
type Adapter interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// Subscribe starts delivering messages of channel to r. Subscribing the
	// same receiver twice has no additional effect.
	Subscribe(ctx context.Context, channel string, r Receiver) error
	// Unsubscribe stops delivering messages of channel to r.
	Unsubscribe(ctx context.Context, channel string, r Receiver) error
	Publish(ctx context.Context, channel string, raw []byte) error
	// OnMessage registers fn for every message the adapter receives,
	// whatever the channel.
	OnMessage(fn func(channel string, raw []byte))
}
