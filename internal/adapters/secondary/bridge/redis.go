package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const dispatchBufferSize = 1024

// NewRedisClient parses the URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Ping the client to ensure connection is established
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	return client, nil
}

// RedisConfig configures a RedisBridge.
type RedisConfig struct {
	ChannelPrefix string
	InstanceID    string
}

// RedisBridge relays events over Redis Pub/Sub. One PubSub connection is
// shared by every tenant subscription of the process; channels are added
// when a tenant gains its first local handler and dropped with its last.
type RedisBridge struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu       sync.RWMutex
	pubsub   *redis.PubSub
	handlers map[string]map[uint64]ports.BridgeHandler
	nextID   uint64

	wg sync.WaitGroup
}

var _ ports.DistributionBridge = (*RedisBridge)(nil)

// NewRedisBridge creates a bridge on top of an existing client. The client
// stays owned by the caller.
func NewRedisBridge(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisBridge {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "sync"
	}
	return &RedisBridge{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "redis_bridge", "instance_id", cfg.InstanceID),
		handlers: make(map[string]map[uint64]ports.BridgeHandler),
	}
}

// Init opens the shared PubSub connection and starts the dispatcher.
func (b *RedisBridge) Init(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	b.pubsub = b.client.Subscribe(ctx)
	messages := b.pubsub.Channel(redis.WithChannelSize(dispatchBufferSize))

	b.wg.Add(1)
	go b.dispatch(messages)

	b.logger.Info("redis bridge initialized", "prefix", b.cfg.ChannelPrefix)
	return nil
}

func (b *RedisBridge) Publish(ctx context.Context, tenantID uuid.UUID, event *domain.SyncEvent) error {
	payload, err := encodeEnvelope(b.cfg.InstanceID, event)
	if err != nil {
		return err
	}

	if err := b.client.Publish(ctx, ChannelName(b.cfg.ChannelPrefix, tenantID), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
	}
	return nil
}

func (b *RedisBridge) Subscribe(ctx context.Context, tenantID uuid.UUID, handler ports.BridgeHandler) (ports.BridgeSubscription, error) {
	channel := ChannelName(b.cfg.ChannelPrefix, tenantID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		return nil, fmt.Errorf("%w: bridge not initialized", apperrors.ErrBridgeUnavailable)
	}

	if len(b.handlers[channel]) == 0 {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
		}
		b.handlers[channel] = make(map[uint64]ports.BridgeHandler)
		b.logger.Debug("subscribed tenant channel", "channel", channel)
	}

	b.nextID++
	id := b.nextID
	b.handlers[channel][id] = handler

	return &redisSubscription{bridge: b, channel: channel, id: id}, nil
}

func (b *RedisBridge) unsubscribe(channel string, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers[channel], id)
	if len(b.handlers[channel]) > 0 {
		return nil
	}
	delete(b.handlers, channel)

	if b.pubsub == nil {
		return nil
	}
	if err := b.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
	}
	b.logger.Debug("unsubscribed tenant channel", "channel", channel)
	return nil
}

func (b *RedisBridge) dispatch(messages <-chan *redis.Message) {
	defer b.wg.Done()

	for msg := range messages {
		source, event, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed bridge message", "channel", msg.Channel, "error", err)
			continue
		}

		b.mu.RLock()
		handlers := make([]ports.BridgeHandler, 0, len(b.handlers[msg.Channel]))
		for _, h := range b.handlers[msg.Channel] {
			handlers = append(handlers, h)
		}
		b.mu.RUnlock()

		b.logger.Debug("bridge delivery",
			"channel", msg.Channel,
			"event_id", event.ID,
			"source", source,
			"handlers", len(handlers),
		)

		for _, h := range handlers {
			h(event)
		}
	}
}

func (b *RedisBridge) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBridgeUnavailable, err)
	}
	return nil
}

// Shutdown closes the PubSub connection and waits for the dispatcher.
func (b *RedisBridge) Shutdown() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.handlers = make(map[string]map[uint64]ports.BridgeHandler)
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}

	err := pubsub.Close()
	b.wg.Wait()
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	return nil
}

type redisSubscription struct {
	bridge  *RedisBridge
	channel string
	id      uint64
	once    sync.Once
	err     error
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.bridge.unsubscribe(s.channel, s.id)
	})
	return s.err
}
