// Package notify mirrors transcript and session state changes onto a watermill
// publisher, in memory or over Redis Streams, so other processes can follow a chat.
package notify

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DefaultStreamPrefix = "agentchat"
)

// Settings selects and configures the event transport.
type Settings struct {
	Backend  string
	Addr     string
	Prefix   string
	Group    string
	Consumer string
}

// Bus is a watermill publisher and subscriber pair.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	prefix     string
	redis      redis.UniversalClient
	closers    []func() error
}

// Build returns nil, nil for the "none" backend.
func Build(s Settings) (*Bus, error) {
	prefix := strings.TrimSpace(s.Prefix)
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryBus(prefix), nil
	case BackendRedis:
		if strings.TrimSpace(s.Addr) == "" {
			return nil, errors.New("notify: redis backend needs an address")
		}
		client := redis.NewClient(&redis.Options{Addr: s.Addr})
		bus, err := NewRedisBus(client, prefix, s.Group, s.Consumer)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		bus.closers = append(bus.closers, client.Close)
		return bus, nil
	default:
		return nil, errors.Errorf("notify: unknown backend %q", s.Backend)
	}
}

// NewMemoryBus keeps events in process. Publish waits for every subscriber to ack, so
// subscribers see events in publish order.
func NewMemoryBus(prefix string) *Bus {
	logger := NewWatermillLogger(log.With().Str("component", "notify").Logger())
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Bus{
		Publisher:  ch,
		Subscriber: ch,
		prefix:     prefix,
		closers:    []func() error{ch.Close},
	}
}

// NewRedisBus publishes to and consumes from Redis Streams. An empty group reads
// without a consumer group.
func NewRedisBus(client redis.UniversalClient, prefix, group, consumer string) (*Bus, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.With().Str("component", "notify").Logger())

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		prefix:     prefix,
		redis:      client,
		closers:    []func() error{sub.Close, pub.Close},
	}, nil
}

// Topic returns the stream name for an event kind.
func (b *Bus) Topic(kind string) string {
	return b.prefix + "." + kind
}

// EnsureGroupAtTail creates the consumer group of a topic at "$" so a new consumer
// does not replay the whole stream. It is a no-op for in-memory buses.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, kind, group string) error {
	if b.redis == nil || group == "" {
		return nil
	}
	stream := b.Topic(kind)
	err := b.redis.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "notify").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}

func (b *Bus) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newMessage(payload []byte) *message.Message {
	return message.NewMessage(watermill.NewUUID(), payload)
}
