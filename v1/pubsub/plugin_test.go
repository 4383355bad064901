package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type testPlugin struct {
	name string
	got  inbox
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) HandleMessage(message json.RawMessage) { p.got.fn(message) }

func TestRegisterPluginDebouncesOwnChannel(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemory()
	m := connected(t, "app", bus, WithPluginDebounce(30*time.Millisecond))
	pub := connected(t, "app", bus)

	p := &testPlugin{name: "users"}
	id, err := m.RegisterPlugin(ctx, p)
	if err != nil || id == "" {
		t.Fatalf("register: id=%q err=%v", id, err)
	}
	_ = pub.Publish(ctx, "users", "a")
	_ = pub.Publish(ctx, "users", "b")
	_ = pub.Publish(ctx, "orders", "c")
	time.Sleep(120 * time.Millisecond)

	msgs := p.got.snapshot()
	if len(msgs) != 1 || msgs[0] != `"b"` {
		t.Fatalf("unexpected plugin messages %v", msgs)
	}
}

func TestRegisterPluginWithoutName(t *testing.T) {
	m := New("app")
	id, err := m.RegisterPlugin(context.Background(), &testPlugin{})
	if err != nil || id != "" {
		t.Fatalf("expected nameless plugin to be ignored, id=%q err=%v", id, err)
	}
	if m.pluginDebounce != defaultPluginDebounce {
		t.Fatalf("unexpected default plugin debounce %v", m.pluginDebounce)
	}
}
