// Package kafka implements pubsub.Adapter on a single Kafka topic.
//
// Every channel is multiplexed onto one topic using the channel name as the
// message key, so a single set of partition consumers feeds both channel
// receivers and OnMessage handlers. Consumers start at the newest offset:
// like the other adapters, only messages published while connected are
// delivered.
package kafka

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
)

// DefaultTopic is the topic used when none is given.
const DefaultTopic = "coord.pubsub"

var tracer = otel.Tracer("github.com/mirkobrombin/go-coord/v1/pubsub/kafka")

// Adapter publishes with a SyncProducer and consumes every partition of its
// topic.
type Adapter struct {
	topic   string
	brokers []string
	cfg     *sarama.Config
	owned   bool

	mu        sync.Mutex
	client    sarama.Client
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	connected bool
	pcs       []sarama.PartitionConsumer
	subs      map[string][]pubsub.Receiver
	handlers  []func(channel string, raw []byte)
	wg        sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
}

// New returns an adapter that connects to brokers on Connect and releases
// its clients on Close.
func New(brokers []string, cfg *sarama.Config, topic string) *Adapter {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	a := newAdapter(topic)
	a.brokers = brokers
	a.cfg = cfg
	a.owned = true
	return a
}

// NewWithClients returns an adapter on caller owned clients.
func NewWithClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *Adapter {
	a := newAdapter(topic)
	a.producer = producer
	a.consumer = consumer
	return a
}

func newAdapter(topic string) *Adapter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Adapter{
		topic: topic,
		subs:  make(map[string][]pubsub.Receiver),
	}
}

// Topic returns the Kafka topic carrying every channel.
func (a *Adapter) Topic() string { return a.topic }

// Connect implements pubsub.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.owned && a.client == nil {
		if err := a.dialLocked(); err != nil {
			return err
		}
	}

	partitions, err := a.consumer.Partitions(a.topic)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		pc, err := a.consumer.ConsumePartition(a.topic, p, sarama.OffsetNewest)
		if err != nil {
			a.closePartitionsLocked()
			return err
		}
		a.pcs = append(a.pcs, pc)
		a.wg.Add(1)
		go a.consume(pc)
	}
	a.connected = true
	return nil
}

func (a *Adapter) dialLocked() error {
	a.cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(a.brokers, a.cfg)
	if err != nil {
		return err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return err
	}
	a.client, a.producer, a.consumer = client, producer, consumer
	return nil
}

func (a *Adapter) closePartitionsLocked() {
	for _, pc := range a.pcs {
		pc.AsyncClose()
	}
	a.pcs = nil
}

// Close implements pubsub.Adapter.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.closePartitionsLocked()
	clear(a.subs)
	a.mu.Unlock()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.owned || a.client == nil {
		return nil
	}
	_ = a.producer.Close()
	_ = a.consumer.Close()
	err := a.client.Close()
	a.client, a.producer, a.consumer = nil, nil, nil
	return err
}

func (a *Adapter) consume(pc sarama.PartitionConsumer) {
	defer a.wg.Done()
	for msg := range pc.Messages() {
		channel := string(msg.Key)
		a.mu.Lock()
		receivers := slices.Clone(a.subs[channel])
		handlers := slices.Clone(a.handlers)
		a.mu.Unlock()
		for _, r := range receivers {
			r.Receive(msg.Value)
			a.delivered.Add(1)
		}
		for _, fn := range handlers {
			fn(channel, msg.Value)
		}
	}
}

// Subscribe implements pubsub.Adapter.
func (a *Adapter) Subscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return coorderrors.ErrConnectionClosed
	}
	if !slices.Contains(a.subs[channel], r) {
		a.subs[channel] = append(a.subs[channel], r)
	}
	return nil
}

// Unsubscribe implements pubsub.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, channel string, r pubsub.Receiver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs := a.subs[channel]
	if i := slices.Index(subs, r); i >= 0 {
		subs = slices.Delete(subs, i, i+1)
	}
	if len(subs) == 0 {
		delete(a.subs, channel)
	} else {
		a.subs[channel] = subs
	}
	return nil
}

// Publish implements pubsub.Adapter.
func (a *Adapter) Publish(ctx context.Context, channel string, raw []byte) error {
	_, span := tracer.Start(ctx, "kafka.Publish", trace.WithAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", a.topic),
		attribute.String("messaging.kafka.message.key", channel),
	))
	defer span.End()

	a.mu.Lock()
	producer := a.producer
	connected := a.connected
	a.mu.Unlock()
	if !connected || producer == nil {
		return coorderrors.ErrConnectionClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(channel),
		Value: sarama.ByteEncoder(raw),
	}
	if _, _, err := producer.SendMessage(msg); err != nil {
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
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

// Stats reports adapter level delivery counters.
func (a *Adapter) Stats() pubsub.Stats {
	return pubsub.Stats{
		Published: a.published.Load(),
		Delivered: a.delivered.Load(),
	}
}
