package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans frames out over the Redis pub/sub channel <prefix>:events.
type RedisBus struct {
	client    redis.UniversalClient
	channel   string
	opTimeout time.Duration
	log       *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

// NewRedisBus wraps client. The client is owned by the caller.
func NewRedisBus(client redis.UniversalClient, prefix string, opTimeout time.Duration, log *zap.Logger, metrics *Metrics) *RedisBus {
	if prefix == "" {
		prefix = "chatapp"
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client:    client,
		channel:   prefix + ":events",
		opTimeout: opTimeout,
		log:       log.With(zap.String("component", "mesh.redis")),
		metrics:   metrics,
	}
}

func (b *RedisBus) Publish(ctx context.Context, frame Frame) error {
	raw, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.metrics.RecordPublishError()
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	b.metrics.RecordPublished()
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Frame)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	subCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
	_, err := pubsub.Receive(subCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()
	go func() {
		for msg := range pubsub.Channel() {
			frame, err := decodeFrame([]byte(msg.Payload))
			if err != nil {
				b.metrics.RecordDropped("malformed")
				b.log.Warn("drop malformed mesh frame", zap.Error(err))
				continue
			}
			b.metrics.RecordReceived()
			fn(frame)
		}
	}()
	return nil
}

// Close stops subscriptions. The Redis client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.pubsubs = nil
	return firstErr
}
