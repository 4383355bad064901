package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// inbox records the messages a listener received.
type inbox struct {
	mu       sync.Mutex
	channels []string
	msgs     []string
}

func (b *inbox) fn(msg json.RawMessage) {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(msg))
	b.mu.Unlock()
}

func (b *inbox) channelFn(channel string, msg json.RawMessage) {
	b.mu.Lock()
	b.channels = append(b.channels, channel)
	b.msgs = append(b.msgs, string(msg))
	b.mu.Unlock()
}

func (b *inbox) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func (b *inbox) count() int {
	return len(b.snapshot())
}

func connected(t *testing.T, name string, a Adapter, opts ...Option) *Manager {
	t.Helper()
	m := New(name, opts...)
	m.SetAdapter(a)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestSkipSelfDropsOwnMessages(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	a := connected(t, "app", bus)
	b := connected(t, "app", bus)

	var got inbox
	if _, err := a.Subscribe(ctx, "changes", got.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := a.Publish(ctx, "changes", "mine"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := got.count(); n != 0 {
		t.Fatalf("expected own message to be skipped, got %d", n)
	}

	if err := b.Publish(ctx, "changes", "theirs"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := got.snapshot()
	if len(msgs) != 1 || msgs[0] != `"theirs"` {
		t.Fatalf("expected message from other instance, got %v", msgs)
	}
}

func TestSkipSelfDisabled(t *testing.T) {
	ctx := context.Background()
	m := connected(t, "app", NewInMemory())

	var got inbox
	if _, err := m.Subscribe(ctx, "changes", got.fn, WithSkipSelf(false)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Publish(ctx, "changes", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := got.snapshot()
	if len(msgs) != 1 || msgs[0] != `{"n":1}` {
		t.Fatalf("unexpected messages %v", msgs)
	}
}

func TestDebounceDeliversLastOfBurst(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	sub := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var got inbox
	if _, err := sub.Subscribe(ctx, "burst", got.fn, WithDebounce(200*time.Millisecond)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := pub.Publish(ctx, "burst", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := got.count(); n != 0 {
		t.Fatalf("expected no delivery during the burst, got %d", n)
	}

	time.Sleep(400 * time.Millisecond)
	msgs := got.snapshot()
	if len(msgs) != 1 || msgs[0] != "4" {
		t.Fatalf("expected exactly the last payload, got %v", msgs)
	}
}

func TestDebounceIsPerListener(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	sub := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var slow, fast inbox
	if _, err := sub.Subscribe(ctx, "ch", slow.fn, WithDebounce(100*time.Millisecond)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.Subscribe(ctx, "ch", fast.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = pub.Publish(ctx, "ch", i)
	}
	if n := fast.count(); n != 3 {
		t.Fatalf("expected undebounced listener to see 3 messages, got %d", n)
	}
	time.Sleep(250 * time.Millisecond)
	if n := slow.count(); n != 1 {
		t.Fatalf("expected debounced listener to see 1 message, got %d", n)
	}
}

func TestPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	a := connected(t, "tenant-a", bus)
	b := connected(t, "tenant-b", bus)

	var gotA, gotB, allB inbox
	if _, err := a.Subscribe(ctx, "events", gotA.fn, WithSkipSelf(false)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "events", gotB.fn, WithSkipSelf(false)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.OnMessage(allB.channelFn, WithSkipSelf(false))

	if err := a.Publish(ctx, "events", "for a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotA.count() != 1 {
		t.Fatalf("expected tenant-a to receive its message")
	}
	if gotB.count() != 0 || allB.count() != 0 {
		t.Fatalf("tenant-b observed tenant-a traffic")
	}
}

func TestWithPrefixOverridesName(t *testing.T) {
	m := New("app", WithPrefix("shared"))
	if m.Prefix() != "shared" || m.Name() != "app" {
		t.Fatalf("unexpected prefix %q name %q", m.Prefix(), m.Name())
	}
	if got := m.wireChannel("x"); got != "shared.x" {
		t.Fatalf("unexpected wire channel %q", got)
	}
	if New("app").Prefix() != "app" {
		t.Fatal("expected prefix to default to the name")
	}
}

func TestPublishWireFormat(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus, WithPublisherID("node-1"))

	var (
		mu      sync.Mutex
		channel string
		payload []byte
	)
	bus.OnMessage(func(ch string, raw []byte) {
		mu.Lock()
		channel, payload = ch, raw
		mu.Unlock()
	})
	if err := m.Publish(ctx, "plugins", map[string]string{"op": "reload"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if channel != "app.plugins" {
		t.Fatalf("unexpected wire channel %q", channel)
	}
	want := `{"publisherId":"node-1","message":{"op":"reload"}}`
	if string(payload) != want {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestMalformedEnvelopeIsIsolated(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	reg := prometheus.NewRegistry()
	m := connected(t, "app", bus, WithMetrics(reg))
	other := connected(t, "app", bus)

	var got inbox
	if _, err := m.Subscribe(ctx, "ch", got.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, raw := range []string{`not json`, `{"message":1}`, `{"publisherId":"x"}`, `{"publisherId":7,"message":1}`} {
		if err := bus.Publish(ctx, "app.ch", []byte(raw)); err != nil {
			t.Fatalf("raw publish: %v", err)
		}
	}
	if n := got.count(); n != 0 {
		t.Fatalf("expected malformed messages to be dropped, got %d", n)
	}
	if v := testutil.ToFloat64(m.metrics.Dropped.WithLabelValues("malformed")); v != 4 {
		t.Fatalf("expected 4 malformed drops, got %v", v)
	}

	if err := other.Publish(ctx, "ch", "ok"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := got.count(); n != 1 {
		t.Fatalf("expected listener to keep working, got %d messages", n)
	}
}

func TestNullMessageIsDelivered(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus)

	var got inbox
	if _, err := m.Subscribe(ctx, "ch", got.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Publish(ctx, "app.ch", []byte(`{"publisherId":"x","message":null}`))
	msgs := got.snapshot()
	if len(msgs) != 1 || msgs[0] != "null" {
		t.Fatalf("unexpected messages %v", msgs)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	reg := prometheus.NewRegistry()
	m := connected(t, "app", bus, WithMetrics(reg))
	pub := connected(t, "app", bus)

	if _, err := m.Subscribe(ctx, "ch", func(json.RawMessage) { panic("boom") }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var got inbox
	if _, err := m.Subscribe(ctx, "ch", got.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "ch", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.count() != 1 {
		t.Fatal("expected healthy listener to receive the message")
	}
	if v := testutil.ToFloat64(m.metrics.Dropped.WithLabelValues("panic")); v != 1 {
		t.Fatalf("expected 1 panic drop, got %v", v)
	}
	if v := testutil.ToFloat64(m.metrics.Delivered); v != 1 {
		t.Fatalf("expected 1 delivery, got %v", v)
	}
}

func TestNoAdapterIsNoop(t *testing.T) {
	ctx := context.Background()
	m := New("app")

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	id, err := m.Subscribe(ctx, "ch", func(json.RawMessage) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Publish(ctx, "ch", "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Unsubscribe(ctx, "ch", id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Connected() {
		t.Fatal("manager without adapter must not report connected")
	}
}

func TestSubscriptionsReplayedOnConnect(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := New("app")
	m.SetAdapter(bus)

	var got inbox
	if _, err := m.Subscribe(ctx, "early", got.fn); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// The last Close drops the adapter side subscriptions.
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(ctx) })

	pub := connected(t, "app", bus)
	if err := pub.Publish(ctx, "early", "again"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.count() != 1 {
		t.Fatalf("expected replayed subscription to receive exactly one message, got %d", got.count())
	}
}

func TestConnectTwiceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var got inbox
	if _, err := m.Subscribe(ctx, "ch", got.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	_ = pub.Publish(ctx, "ch", 1)
	if got.count() != 1 {
		t.Fatalf("expected a single delivery, got %d", got.count())
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	reg := prometheus.NewRegistry()
	m := connected(t, "app", bus, WithMetrics(reg))
	pub := connected(t, "app", bus)

	var kept, removed inbox
	if _, err := m.Subscribe(ctx, "ch", kept.fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	id, err := m.Subscribe(ctx, "ch", removed.fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if v := testutil.ToFloat64(m.metrics.Listeners); v != 2 {
		t.Fatalf("expected 2 listeners, got %v", v)
	}
	if err := m.Unsubscribe(ctx, "ch", id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = pub.Publish(ctx, "ch", 1)
	if kept.count() != 1 || removed.count() != 0 {
		t.Fatalf("unexpected deliveries kept=%d removed=%d", kept.count(), removed.count())
	}
	if v := testutil.ToFloat64(m.metrics.Listeners); v != 1 {
		t.Fatalf("expected 1 listener, got %v", v)
	}

	if err := m.Unsubscribe(ctx, "ch", id); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if err := m.Unsubscribe(ctx, "unknown", "nope"); err != nil {
		t.Fatalf("unknown unsubscribe: %v", err)
	}
}

func TestUnsubscribeDiscardsPendingDebounce(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var got inbox
	id, err := m.Subscribe(ctx, "ch", got.fn, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = pub.Publish(ctx, "ch", 1)
	if err := m.Unsubscribe(ctx, "ch", id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got.count() != 0 {
		t.Fatal("debounced callback fired after unsubscribe")
	}
}

type failingAdapter struct {
	*InMemory
	subscribeErr error
	publishErr   error
	closeErr     error
	// subscribeFailures makes that many Subscribe calls fail with
	// transientErr before the adapter recovers.
	subscribeFailures int
	transientErr      error
	onMessageCalls    int
}

func (f *failingAdapter) Close(ctx context.Context) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	return f.InMemory.Close(ctx)
}

func (f *failingAdapter) OnMessage(fn func(channel string, raw []byte)) {
	f.onMessageCalls++
	f.InMemory.OnMessage(fn)
}

func (f *failingAdapter) Subscribe(ctx context.Context, channel string, r Receiver) error {
	if f.subscribeFailures > 0 {
		f.subscribeFailures--
		return f.transientErr
	}
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	return f.InMemory.Subscribe(ctx, channel, r)
}

func (f *failingAdapter) Publish(ctx context.Context, channel string, raw []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	return f.InMemory.Publish(ctx, channel, raw)
}

func TestSubscribeFailureLeavesNothingRegistered(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := connected(t, "app", &failingAdapter{InMemory: NewInMemory(), subscribeErr: boom})

	if _, err := m.Subscribe(ctx, "ch", func(json.RawMessage) {}); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) != 0 {
		t.Fatalf("expected empty registry, got %v", m.subs)
	}
}

func TestPublishErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	reg := prometheus.NewRegistry()
	m := connected(t, "app", &failingAdapter{InMemory: NewInMemory(), publishErr: boom}, WithMetrics(reg))

	if err := m.Publish(ctx, "ch", 1); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if v := testutil.ToFloat64(m.metrics.PublishErrors); v != 1 {
		t.Fatalf("expected 1 publish error, got %v", v)
	}
}

func TestPublishOnClosedAdapter(t *testing.T) {
	m := New("app")
	m.SetAdapter(NewInMemory())
	err := m.Publish(context.Background(), "ch", 1)
	if !errors.Is(err, coorderrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestPublishUnencodableMessage(t *testing.T) {
	m := connected(t, "app", NewInMemory())
	if err := m.Publish(context.Background(), "ch", func() {}); err == nil {
		t.Fatal("expected encode error")
	}
}

func TestOnMessageReceivesLogicalChannel(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var all inbox
	id := m.OnMessage(all.channelFn)
	_ = pub.Publish(ctx, "users", "u1")
	_ = pub.Publish(ctx, "orders", "o1")
	_ = m.Publish(ctx, "orders", "self")

	all.mu.Lock()
	channels := append([]string(nil), all.channels...)
	all.mu.Unlock()
	if len(channels) != 2 || channels[0] != "users" || channels[1] != "orders" {
		t.Fatalf("unexpected channels %v", channels)
	}

	m.OffMessage(id)
	_ = pub.Publish(ctx, "users", "u2")
	if all.count() != 2 {
		t.Fatalf("expected no delivery after OffMessage, got %d", all.count())
	}
}

func TestSetAdapterIgnoresReplacedAdapter(t *testing.T) {
	ctx := context.Background()
	old := NewInMemory()
	m := connected(t, "app", old)

	var all inbox
	m.OnMessage(all.channelFn, WithSkipSelf(false))
	m.SetAdapter(NewInMemory())
	if m.Connected() {
		t.Fatal("expected swapping adapters to reset the connected state")
	}

	_ = old.Publish(ctx, "app.ch", []byte(`{"publisherId":"x","message":1}`))
	if all.count() != 0 {
		t.Fatal("catch-all listener observed the replaced adapter")
	}
}

func TestListenerMayCallBackIntoManager(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus)
	pub := connected(t, "app", bus)

	var got inbox
	done := make(chan struct{})
	var once sync.Once
	_, err := m.Subscribe(ctx, "ping", func(json.RawMessage) {
		if _, err := m.Subscribe(ctx, "pong", got.fn); err != nil {
			t.Errorf("nested subscribe: %v", err)
		}
		once.Do(func() { close(done) })
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = pub.Publish(ctx, "ping", 1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener deadlocked")
	}
	_ = pub.Publish(ctx, "pong", 2)
	if got.count() != 1 {
		t.Fatalf("expected nested subscription to work, got %d", got.count())
	}
}

func TestConnectRetriesFailedReplay(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	transient := errors.New("transient")
	m := New("app")
	m.SetAdapter(&failingAdapter{InMemory: bus, transientErr: transient, subscribeFailures: 1})
	t.Cleanup(func() { _ = m.Close(ctx) })

	var got inbox
	if _, err := m.Subscribe(ctx, "ch", got.fn); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := m.Connect(ctx); !errors.Is(err, transient) {
		t.Fatalf("expected replay error, got %v", err)
	}
	if m.Connected() {
		t.Fatal("manager with a missing registration must not report connected")
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("retry connect: %v", err)
	}
	if !m.Connected() {
		t.Fatal("expected connected after a complete replay")
	}

	pub := connected(t, "app", bus)
	_ = pub.Publish(ctx, "ch", "after retry")
	if got.count() != 1 {
		t.Fatalf("expected the registration to be replayed, got %d messages", got.count())
	}
}

func TestFailedCloseKeepsConnectedState(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	fa := &failingAdapter{InMemory: NewInMemory(), closeErr: boom}
	m := New("app")
	m.SetAdapter(fa)
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Close(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected close error, got %v", err)
	}
	if !m.Connected() {
		t.Fatal("failed close must leave the manager connected")
	}
	fa.closeErr = nil
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Connected() {
		t.Fatal("expected disconnected after close")
	}
}

func TestCatchAllDispatcherInstalledOnDemand(t *testing.T) {
	fa := &failingAdapter{InMemory: NewInMemory()}
	m := connected(t, "app", fa)
	if fa.onMessageCalls != 0 {
		t.Fatalf("adapter asked for every channel without a catch-all listener: %d", fa.onMessageCalls)
	}

	id := m.OnMessage(func(string, json.RawMessage) {})
	m.OnMessage(func(string, json.RawMessage) {})
	if fa.onMessageCalls != 1 {
		t.Fatalf("expected one dispatcher, got %d", fa.onMessageCalls)
	}
	m.OffMessage(id)

	next := &failingAdapter{InMemory: NewInMemory()}
	m.SetAdapter(next)
	if next.onMessageCalls != 1 {
		t.Fatalf("expected dispatcher on the new adapter, got %d", next.onMessageCalls)
	}
	m.SetAdapter(fa)
}
