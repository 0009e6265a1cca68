// Package router delivers events to a user's connections wherever they are.
//
// EmitToUser hands the event to every connection the user holds on this
// instance, then publishes one frame on the mesh bus. Sibling instances
// deliver it to their own connections of that user; the originating instance
// ignores its own frame, so each connection receives the event exactly once.
// Delivery is at-most-once with no queuing for users that are not connected.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/prakhar0085/chatapp/internal/mesh"
	"github.com/prakhar0085/chatapp/internal/registry"
	"go.uber.org/zap"
)

// Observer is told about every event handed to at least one local connection
// of userID.
type Observer func(userID string, ev event.Event)

// Options configures a Router.
type Options struct {
	InstanceID        string
	Metrics           *Metrics
	Peers             *mesh.Peers
	HeartbeatInterval time.Duration
	PeerTTL           time.Duration
}

// Router routes events between the local registry and the mesh bus.
type Router struct {
	log        *zap.Logger
	registry   registry.ConnectionRegistry
	bus        mesh.Bus
	instanceID string
	metrics    *Metrics
	peers      *mesh.Peers

	heartbeatInterval time.Duration
	peerTTL           time.Duration

	obsMu     sync.RWMutex
	observers []Observer
	startOnce sync.Once
}

// New wires a router. bus may be nil for a strictly single-instance process.
func New(log *zap.Logger, reg registry.ConnectionRegistry, bus mesh.Bus, opts Options) (*Router, error) {
	if reg == nil {
		return nil, errors.New("connection registry required")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("instance id required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = 3 * opts.HeartbeatInterval
	}
	peers := opts.Peers
	if peers == nil {
		var err error
		peers, err = mesh.NewPeers(opts.InstanceID, nil)
		if err != nil {
			return nil, err
		}
	}
	return &Router{
		log:               log.With(zap.String("instance_id", opts.InstanceID)),
		registry:          reg,
		bus:               bus,
		instanceID:        opts.InstanceID,
		metrics:           opts.Metrics,
		peers:             peers,
		heartbeatInterval: opts.HeartbeatInterval,
		peerTTL:           opts.PeerTTL,
	}, nil
}

// InstanceID returns the id stamped on published frames.
func (r *Router) InstanceID() string { return r.instanceID }

// Peers exposes the table of instances seen on the bus.
func (r *Router) Peers() *mesh.Peers { return r.peers }

// Observe registers fn for local deliveries. Observers run synchronously and
// must not block.
func (r *Router) Observe(fn Observer) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

// Start subscribes to the bus and begins heartbeating. It returns once the
// subscription is established; work continues until ctx is cancelled.
func (r *Router) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	var err error
	r.startOnce.Do(func() {
		if err = r.bus.Subscribe(ctx, r.handleFrame); err != nil {
			return
		}
		go r.heartbeat(ctx)
	})
	return err
}

// EmitToUser delivers an event to all of userID's connections across the
// cluster. A bus failure is logged and counted; local delivery has already
// happened by then.
func (r *Router) EmitToUser(ctx context.Context, userID, name string, payload any) error {
	start := time.Now()
	ev, err := event.New(name, payload)
	if err != nil {
		return err
	}
	r.deliverLocal(userID, ev)

	if r.bus != nil {
		frame := mesh.Frame{
			Kind:    mesh.KindEvent,
			Origin:  r.instanceID,
			UserID:  userID,
			Event:   ev.Name,
			Payload: ev.Data,
		}
		if err := r.bus.Publish(ctx, frame); err != nil {
			r.metrics.recordPublishError()
			r.log.Warn("publish event to bus failed",
				zap.String("user_id", userID),
				zap.String("event", name),
				zap.Error(err),
			)
		}
	}
	r.metrics.observeLatency(name, time.Since(start))
	return nil
}

// BroadcastLocal delivers an event to every connection on this instance. It is
// not published; each instance rebroadcasts from its own presence subscription.
func (r *Router) BroadcastLocal(ctx context.Context, name string, payload any) error {
	ev, err := event.New(name, payload)
	if err != nil {
		return err
	}
	for _, conn := range r.registry.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.deliver(conn, ev)
	}
	return nil
}

// SendToConnection delivers an event to one local connection.
func (r *Router) SendToConnection(conn registry.Connection, name string, payload any) error {
	ev, err := event.New(name, payload)
	if err != nil {
		return err
	}
	if !r.deliver(conn, ev) {
		return errors.New("connection rejected event")
	}
	return nil
}

// HasLocal reports whether userID holds a connection on this instance.
func (r *Router) HasLocal(userID string) bool {
	return len(r.registry.ConnectionIDs(userID)) > 0
}

func (r *Router) handleFrame(frame mesh.Frame) {
	r.peers.Seen(frame.Origin, frame.SentAt)
	if frame.Origin == r.instanceID {
		return
	}
	if frame.Kind == mesh.KindHeartbeat {
		return
	}
	ev := event.Event{Name: frame.Event, Data: frame.Payload}
	if r.deliverLocal(frame.UserID, ev) == 0 {
		r.metrics.recordDropped("not_local")
	}
}

func (r *Router) deliverLocal(userID string, ev event.Event) int {
	delivered := 0
	for _, conn := range r.registry.Connections(userID) {
		if r.deliver(conn, ev) {
			delivered++
		}
	}
	if delivered > 0 {
		r.notify(userID, ev)
	}
	return delivered
}

func (r *Router) deliver(conn registry.Connection, ev event.Event) bool {
	if conn.Sink == nil {
		return false
	}
	if err := conn.Sink.Deliver(ev); err != nil {
		r.metrics.recordDropped("backpressure")
		r.log.Warn("drop event for connection",
			zap.String("user_id", conn.UserID),
			zap.String("conn_id", conn.ID),
			zap.String("event", ev.Name),
			zap.Error(err),
		)
		return false
	}
	r.metrics.recordDelivered(ev.Name)
	return true
}

func (r *Router) notify(userID string, ev event.Event) {
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(userID, ev)
	}
}

func (r *Router) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.bus.Publish(ctx, mesh.Frame{Kind: mesh.KindHeartbeat, Origin: r.instanceID}); err != nil {
				r.metrics.recordPublishError()
				r.log.Debug("bus heartbeat failed", zap.Error(err))
			}
			for _, peer := range r.peers.EvictStale(now.Add(-r.peerTTL)) {
				r.log.Info("instance went quiet on bus", zap.String("peer_id", peer.ID))
			}
		}
	}
}
