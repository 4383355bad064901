package pubsub

import (
	"context"
	"encoding/json"
)

// Plugin is an application component that listens on the channel named
// after it.
type Plugin interface {
	Name() string
	HandleMessage(message json.RawMessage)
}

// RegisterPlugin subscribes p to its own channel with the plugin debounce
// (one second unless changed with WithPluginDebounce). Plugins without a
// name are ignored and yield an empty ID.
func (m *Manager) RegisterPlugin(ctx context.Context, p Plugin) (ListenerID, error) {
	name := p.Name()
	if name == "" {
		return "", nil
	}
	return m.Subscribe(ctx, name, p.HandleMessage, WithDebounce(m.pluginDebounce))
}
