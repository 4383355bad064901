// Package stream exposes pubsub channels to HTTP clients over Server-Sent
// Events and WebSocket, and accepts publishes over plain HTTP.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-coord/v1/pubsub"
)

// Bus is the part of *pubsub.Manager the handlers use.
type Bus interface {
	Subscribe(ctx context.Context, channel string, fn pubsub.MessageFunc, opts ...pubsub.SubscribeOption) (pubsub.ListenerID, error)
	Unsubscribe(ctx context.Context, channel string, id pubsub.ListenerID) error
	Publish(ctx context.Context, channel string, message any) error
}

// bufferSize bounds the messages queued for one slow client. Messages that
// do not fit are dropped.
const bufferSize = 64

// maxPublishBody caps the size of a published message.
const maxPublishBody = 1 << 20

// subscribe registers a buffered listener for the request's channel. The
// channel comes from the "channel" query parameter; an optional "debounce"
// parameter, in milliseconds, debounces the listener. Clients see every
// message on the channel, including those published by this process.
func subscribe(w http.ResponseWriter, r *http.Request, bus Bus) (string, pubsub.ListenerID, <-chan json.RawMessage, bool) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return "", "", nil, false
	}
	if strings.ContainsAny(channel, "\r\n") {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return "", "", nil, false
	}
	opts := []pubsub.SubscribeOption{pubsub.WithSkipSelf(false)}
	if v := r.URL.Query().Get("debounce"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			http.Error(w, "invalid debounce", http.StatusBadRequest)
			return "", "", nil, false
		}
		opts = append(opts, pubsub.WithDebounce(time.Duration(ms)*time.Millisecond))
	}

	ch := make(chan json.RawMessage, bufferSize)
	id, err := bus.Subscribe(r.Context(), channel, func(msg json.RawMessage) {
		select {
		case ch <- msg:
		default:
			slog.Warn("stream: client too slow, message dropped", "channel", channel)
		}
	}, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return "", "", nil, false
	}
	return channel, id, ch, true
}

// SSEHandler streams the messages of a channel as Server-Sent Events. A
// comment line is flushed once the subscription is active.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		channel, id, ch, ok := subscribe(w, r, bus)
		if !ok {
			return
		}
		defer func() { _ = bus.Unsubscribe(context.Background(), channel, id) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if _, err := io.WriteString(w, ": subscribed\n\n"); err != nil {
			return
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case msg := <-ch:
				if err := writeEvent(w, channel, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

// writeEvent writes one SSE event. Every line of msg gets its own data
// field so that multi-line JSON survives framing.
func writeEvent(w io.Writer, event string, msg []byte) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	data := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(string(msg))
	for line := range strings.SplitSeq(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the messages of a channel as WebSocket text
// frames. The subscription is active before the upgrade completes.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, id, ch, ok := subscribe(w, r, bus)
		if !ok {
			return
		}
		defer func() { _ = bus.Unsubscribe(context.Background(), channel, id) }()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The read loop notices the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg := <-ch:
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}

// PublishHandler publishes the JSON request body on the channel named by the
// "channel" query parameter. Only POST is accepted.
func PublishHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > maxPublishBody {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be JSON", http.StatusBadRequest)
			return
		}
		if err := bus.Publish(r.Context(), channel, json.RawMessage(body)); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
