package presets

import (
	"fmt"
	"log/slog"

	sarama "github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coord/v1/config"
	"github.com/mirkobrombin/go-coord/v1/coord"
	"github.com/mirkobrombin/go-coord/v1/lock"
	"github.com/mirkobrombin/go-coord/v1/pubsub"
	buskafka "github.com/mirkobrombin/go-coord/v1/pubsub/kafka"
	busnats "github.com/mirkobrombin/go-coord/v1/pubsub/nats"
	busredis "github.com/mirkobrombin/go-coord/v1/pubsub/redis"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewInMemory creates a Coordinator whose bus only reaches managers sharing
// the same in-memory adapter. Useful for local development and tests.
func NewInMemory(name string, opts ...coord.Option) *coord.Coordinator {
	return coord.New(name, append([]coord.Option{coord.WithAdapter(pubsub.NewInMemory())}, opts...)...)
}

// NewRedis creates a Coordinator using Redis Pub/Sub as the bus.
func NewRedis(name string, ro RedisOptions, opts ...coord.Option) *coord.Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})
	return coord.New(name, append([]coord.Option{coord.WithAdapter(busredis.New(client))}, opts...)...)
}

// NewNATS creates a Coordinator using core NATS as the bus. The server is
// dialed on Start.
func NewNATS(name, url string, opts ...coord.Option) *coord.Coordinator {
	return coord.New(name, append([]coord.Option{coord.WithAdapter(busnats.New(url))}, opts...)...)
}

// NewKafka creates a Coordinator multiplexing every channel on one Kafka
// topic. The brokers are dialed on Start.
func NewKafka(name string, brokers []string, topic string, opts ...coord.Option) *coord.Coordinator {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return coord.New(name, append([]coord.Option{coord.WithAdapter(buskafka.New(brokers, cfg, topic))}, opts...)...)
}

// FromConfig creates the Coordinator described by cfg. log and reg may be
// nil.
func FromConfig(cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*coord.Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var adapter pubsub.Adapter
	switch cfg.Transport.Kind {
	case config.TransportNone:
	case config.TransportMemory:
		adapter = pubsub.NewInMemory()
	case config.TransportRedis:
		r := cfg.Transport.Redis
		adapter = busredis.New(redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}))
	case config.TransportNATS:
		adapter = busnats.New(cfg.Transport.NATS.URL)
	case config.TransportKafka:
		sc := sarama.NewConfig()
		sc.Producer.Return.Successes = true
		adapter = buskafka.New(cfg.Transport.Kafka.Brokers, sc, cfg.Transport.Kafka.Topic)
	default:
		return nil, fmt.Errorf("presets: unknown transport %q", cfg.Transport.Kind)
	}
	if b := cfg.Transport.Breaker; adapter != nil && b.Threshold > 0 {
		adapter = pubsub.NewCircuitBreaker(adapter, b.Threshold, b.Timeout)
	}

	pubsubOpts := []pubsub.Option{pubsub.WithPluginDebounce(cfg.PluginDebounce)}
	if cfg.Prefix != "" {
		pubsubOpts = append(pubsubOpts, pubsub.WithPrefix(cfg.Prefix))
	}
	if cfg.PublisherID != "" {
		pubsubOpts = append(pubsubOpts, pubsub.WithPublisherID(cfg.PublisherID))
	}

	opts := []coord.Option{
		coord.WithLockOptions(lock.WithShardCount(cfg.Lock.Shards), lock.WithMaxWaiters(cfg.Lock.MaxWaiters)),
		coord.WithPubSubOptions(pubsubOpts...),
	}
	if adapter != nil {
		opts = append(opts, coord.WithAdapter(adapter))
	}
	if log != nil {
		opts = append(opts, coord.WithLogger(log))
	}
	if reg != nil {
		opts = append(opts, coord.WithMetrics(reg))
	}
	return coord.New(cfg.Name, opts...), nil
}
