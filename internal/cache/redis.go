package cache

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/guildworks/economy/pkg/logger"
)

// DefaultChannel is the pub/sub channel used for cross-instance invalidation.
const DefaultChannel = "economy:cache:invalidate"

// RedisPublisher broadcasts invalidations over redis pub/sub so every
// instance of the service drops its stale entries.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher on the given channel; an empty
// channel uses DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish broadcasts one invalidation.
func (p *RedisPublisher) Publish(ctx context.Context, inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// RedisSubscriber applies invalidations published by other instances to the
// local cache. It is a lifecycle-managed service.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	cache   *Service
	log     *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisSubscriber creates a subscriber feeding the given cache.
func NewRedisSubscriber(client *redis.Client, channel string, cache *Service, log *logger.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("cache-subscriber")
	}
	return &RedisSubscriber{client: client, channel: channel, cache: cache, log: log}
}

func (s *RedisSubscriber) Name() string { return "cache-redis-subscriber" }

// Start subscribes and applies remote invalidations until Stop or context
// cancellation.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	sub := s.client.Subscribe(runCtx, s.channel)
	ch := sub.Channel()

	go func() {
		defer close(s.done)
		defer sub.Close()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					s.log.WithError(err).Warn("malformed invalidation payload")
					continue
				}
				s.cache.ApplyRemote(inv)
			}
		}
	}()

	s.log.WithField("channel", s.channel).Info("cache invalidation subscriber started")
	return nil
}

// Stop halts the subscriber loop.
func (s *RedisSubscriber) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
