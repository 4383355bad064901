package pubsub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ListenerID identifies a registered listener.
type ListenerID string

func newListenerID() ListenerID {
	return ListenerID(uuid.NewString())
}

// MessageFunc receives the decoded message of a channel subscription.
type MessageFunc func(message json.RawMessage)

// ChannelMessageFunc receives messages of every channel together with the
// logical channel name.
type ChannelMessageFunc func(channel string, message json.RawMessage)

// SubscribeOption configures a listener.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	skipSelf bool
	debounce time.Duration
}

// WithSkipSelf controls whether messages published by the same manager are
// dropped. The default is true.
func WithSkipSelf(skip bool) SubscribeOption {
	return func(o *subscribeOptions) {
		o.skipSelf = skip
	}
}

// WithDebounce coalesces bursts of messages: the listener only sees the last
// message of a burst, d after it arrived. Zero disables debouncing.
func WithDebounce(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) {
		if d < 0 {
			d = 0
		}
		o.debounce = d
	}
}

// listener is the Receiver a Manager installs on the adapter for one
// subscription or catch-all registration.
type listener struct {
	id       ListenerID
	channel  string
	m        *Manager
	skipSelf bool
	fn       ChannelMessageFunc
	debounce *debouncer
}

func (m *Manager) newListener(channel string, fn ChannelMessageFunc, opts []SubscribeOption) *listener {
	o := subscribeOptions{skipSelf: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	l := &listener{
		id:       newListenerID(),
		channel:  channel,
		m:        m,
		skipSelf: o.skipSelf,
		fn:       fn,
	}
	if o.debounce > 0 {
		l.debounce = newDebouncer(o.debounce)
	}
	return l
}

// Receive implements Receiver.
func (l *listener) Receive(raw []byte) {
	l.handle(l.channel, raw)
}

func (l *listener) handle(channel string, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		l.m.log.Warn("pubsub: dropped malformed envelope", "channel", channel, "listener", l.id, "error", err)
		l.m.countDrop("malformed")
		return
	}
	if l.skipSelf && env.PublisherID == l.m.publisherID {
		l.m.countDrop("self")
		return
	}
	if l.debounce != nil {
		l.debounce.call(func() { l.invoke(channel, env.Message) })
		return
	}
	l.invoke(channel, env.Message)
}

// invoke runs the callback; a panic is contained to this listener.
func (l *listener) invoke(channel string, msg json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.m.log.Error("pubsub: listener panicked", "channel", channel, "listener", l.id, "panic", r)
			l.m.countDrop("panic")
		}
	}()
	l.fn(channel, msg)
	if l.m.metrics != nil {
		l.m.metrics.Delivered.Inc()
	}
}

func (l *listener) stop() {
	if l.debounce != nil {
		l.debounce.stop()
	}
}
