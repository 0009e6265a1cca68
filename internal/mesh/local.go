package mesh

import (
	"context"
	"sync"
)

// LocalHub is an in-process stand-in for the shared broker. Buses attached to
// the same hub see each other's frames, which lets one process host several
// instances (single-instance deployments and tests).
type LocalHub struct {
	mu     sync.RWMutex
	subs   map[int]*localSub
	nextID int
}

type localSub struct {
	queue chan []byte
	done  chan struct{}
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{subs: make(map[int]*localSub)}
}

func (h *LocalHub) publish(raw []byte, metrics *Metrics) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.queue <- raw:
		default:
			metrics.RecordDropped("queue_full")
		}
	}
}

func (h *LocalHub) attach(buffer int) (int, *localSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &localSub{queue: make(chan []byte, buffer), done: make(chan struct{})}
	h.subs[id] = sub
	return id, sub
}

func (h *LocalHub) detach(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.done)
		delete(h.subs, id)
	}
}

// LocalBus is one instance's view of a LocalHub.
type LocalBus struct {
	hub     *LocalHub
	buffer  int
	metrics *Metrics

	mu     sync.Mutex
	subIDs []int
	closed bool
}

// NewLocalBus attaches a bus to hub. buffer bounds each subscriber's backlog;
// frames beyond it are dropped.
func NewLocalBus(hub *LocalHub, buffer int, metrics *Metrics) *LocalBus {
	if hub == nil {
		hub = NewLocalHub()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalBus{hub: hub, buffer: buffer, metrics: metrics}
}

func (b *LocalBus) Publish(ctx context.Context, frame Frame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	raw, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	b.hub.publish(raw, b.metrics)
	b.metrics.RecordPublished()
	return ctx.Err()
}

func (b *LocalBus) Subscribe(ctx context.Context, fn func(Frame)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	id, sub := b.hub.attach(b.buffer)
	b.subIDs = append(b.subIDs, id)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.hub.detach(id)
				return
			case <-sub.done:
				return
			case raw := <-sub.queue:
				frame, err := decodeFrame(raw)
				if err != nil {
					b.metrics.RecordDropped("malformed")
					continue
				}
				b.metrics.RecordReceived()
				fn(frame)
			}
		}
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, id := range b.subIDs {
		b.hub.detach(id)
	}
	b.subIDs = nil
	return nil
}
