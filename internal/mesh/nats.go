package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus fans frames out over the core NATS subject <prefix>.events.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATSBus wraps nc. The connection is owned by the caller.
func NewNATSBus(nc *nats.Conn, prefix string, log *zap.Logger, metrics *Metrics) *NATSBus {
	if prefix == "" {
		prefix = "chatapp"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSBus{
		nc:      nc,
		subject: prefix + ".events",
		log:     log.With(zap.String("component", "mesh.nats")),
		metrics: metrics,
	}
}

func (b *NATSBus) Publish(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, raw); err != nil {
		b.metrics.RecordPublishError()
		return fmt.Errorf("publish %s: %w", b.subject, err)
	}
	b.metrics.RecordPublished()
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, fn func(Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		frame, err := decodeFrame(msg.Data)
		if err != nil {
			b.metrics.RecordDropped("malformed")
			b.log.Warn("drop malformed mesh frame", zap.Error(err))
			return
		}
		b.metrics.RecordReceived()
		fn(frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Close unsubscribes. The NATS connection is left open.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}
