package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const casAttempts = 16

// NATSOptions configures the JetStream-backed store.
type NATSOptions struct {
	Prefix            string
	InstanceID        string
	OpTimeout         time.Duration
	HeartbeatInterval time.Duration
	InstanceTTL       time.Duration
}

func (o *NATSOptions) normalize() {
	if o.Prefix == "" {
		o.Prefix = "chatapp"
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.InstanceTTL <= 0 {
		o.InstanceTTL = 3 * o.HeartbeatInterval
	}
}

// NATS keeps presence in a JetStream key-value bucket. Each user key holds the
// sorted set of instance IDs with live connections, updated by compare-and-swap
// on the entry revision. The key is deleted when the set becomes empty.
type NATS struct {
	nc        *nats.Conn
	kv        nats.KeyValue
	instances nats.KeyValue
	opts      NATSOptions
	log       *zap.Logger
	metrics   *Metrics

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATS binds (or creates) the presence buckets on nc. The connection is owned by the caller.
func NewNATS(nc *nats.Conn, opts NATSOptions, log *zap.Logger, metrics *Metrics) (*NATS, error) {
	if nc == nil {
		return nil, errors.New("nats connection required")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("instance id required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.normalize()

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := bindBucket(js, &nats.KeyValueConfig{
		Bucket:  opts.Prefix + "_presence",
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}
	instances, err := bindBucket(js, &nats.KeyValueConfig{
		Bucket:  opts.Prefix + "_instances",
		History: 1,
		TTL:     opts.InstanceTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, err
	}

	return &NATS{
		nc:        nc,
		kv:        kv,
		instances: instances,
		opts:      opts,
		log:       log.With(zap.String("component", "presence.nats")),
		metrics:   metrics,
	}, nil
}

func bindBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind bucket %s: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func (n *NATS) subject() string { return n.opts.Prefix + ".presence" }

// userKey maps arbitrary user IDs onto the restricted KV key alphabet.
func userKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func userFromKey(key string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (n *NATS) MarkOnline(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	became, rev, err := n.update(ctx, userID, func(set []string) []string {
		return addInstance(set, n.opts.InstanceID)
	})
	if err != nil {
		return fmt.Errorf("mark online %s: %w", userID, err)
	}
	if !became {
		return nil
	}
	return n.publish(ctx, userID, true, rev)
}

func (n *NATS) MarkOfflineIfLast(ctx context.Context, userID string, isLastLocalConnection bool) (bool, error) {
	if err := validUser(userID); err != nil {
		return false, err
	}
	if !isLastLocalConnection {
		return true, nil
	}
	return n.removeInstance(ctx, userID, n.opts.InstanceID)
}

func (n *NATS) removeInstance(ctx context.Context, userID, instanceID string) (bool, error) {
	changed, rev, err := n.update(ctx, userID, func(set []string) []string {
		return dropInstance(set, instanceID)
	})
	if err != nil {
		return false, fmt.Errorf("mark offline %s: %w", userID, err)
	}
	if changed {
		return false, n.publish(ctx, userID, false, rev)
	}
	online, err := n.isOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	return online, nil
}

// update applies fn to the user's instance set with compare-and-swap. The
// returned flag reports an online/offline transition.
func (n *NATS) update(ctx context.Context, userID string, fn func([]string) []string) (bool, uint64, error) {
	key := userKey(userID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, 0, err
		}
		entry, err := n.kv.Get(key)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			next := fn(nil)
			if len(next) == 0 {
				return false, 0, nil
			}
			rev, err := n.kv.Create(key, encodeSet(next))
			if errors.Is(err, nats.ErrKeyExists) {
				continue
			}
			if err != nil {
				return false, 0, err
			}
			return true, rev, nil
		case err != nil:
			return false, 0, err
		}

		current, err := decodeSet(entry.Value())
		if err != nil {
			return false, 0, err
		}
		next := fn(current)
		if equalSets(current, next) {
			return false, entry.Revision(), nil
		}
		if len(next) == 0 {
			if err := n.kv.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return false, 0, err
			}
			return true, entry.Revision(), nil
		}
		rev, err := n.kv.Update(key, encodeSet(next), entry.Revision())
		if errors.Is(err, nats.ErrKeyExists) {
			continue
		}
		if err != nil {
			return false, 0, err
		}
		return false, rev, nil
	}
	return false, 0, fmt.Errorf("presence update for %s lost %d races", userID, casAttempts)
}

func (n *NATS) isOnline(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entry, err := n.kv.Get(userKey(userID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	set, err := decodeSet(entry.Value())
	if err != nil {
		return false, err
	}
	return len(set) > 0, nil
}

func (n *NATS) ListOnline(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := n.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		if userID, ok := userFromKey(key); ok {
			users = append(users, userID)
		}
	}
	return sortedCopy(users), nil
}

// Subscribe delivers every published change. The set in a change is read back
// after the mutation, so it is never older than the transition it reports.
func (n *NATS) Subscribe(ctx context.Context, fn func(Change)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	sub, err := n.nc.Subscribe(n.subject(), func(msg *nats.Msg) {
		var change Change
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			n.log.Warn("drop malformed presence change", zap.Error(err))
			return
		}
		fn(change)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject(), err)
	}
	n.subs = append(n.subs, sub)

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Run refreshes this instance's liveness entry and sweeps sets of instances whose
// entry expired. It blocks until ctx is cancelled.
func (n *NATS) Run(ctx context.Context) error {
	if err := n.Heartbeat(); err != nil {
		n.log.Warn("presence heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.Heartbeat(); err != nil {
				n.metrics.RecordBrokerError("heartbeat")
				n.log.Warn("presence heartbeat failed", zap.Error(err))
				continue
			}
			if _, err := n.Sweep(ctx); err != nil {
				n.metrics.RecordBrokerError("sweep")
				n.log.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat refreshes the liveness entry; the bucket TTL expires it.
func (n *NATS) Heartbeat() error {
	_, err := n.instances.Put(n.opts.InstanceID, []byte(time.Now().UTC().Format(time.RFC3339)))
	return err
}

// Sweep removes instance IDs whose liveness entry expired.
func (n *NATS) Sweep(ctx context.Context) (int, error) {
	users, err := n.ListOnline(ctx)
	if err != nil {
		return 0, err
	}
	alive := map[string]bool{n.opts.InstanceID: true}
	removed := 0
	for _, userID := range users {
		entry, err := n.kv.Get(userKey(userID))
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		set, err := decodeSet(entry.Value())
		if err != nil {
			return removed, err
		}
		for _, instanceID := range set {
			live, known := alive[instanceID]
			if !known {
				_, err := n.instances.Get(instanceID)
				switch {
				case err == nil:
					live = true
				case errors.Is(err, nats.ErrKeyNotFound):
					live = false
				default:
					return removed, err
				}
				alive[instanceID] = live
			}
			if live {
				continue
			}
			if _, err := n.removeInstance(ctx, userID, instanceID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	n.metrics.RecordSwept(removed)
	return removed, nil
}

func (n *NATS) publish(ctx context.Context, userID string, online bool, rev uint64) error {
	users, err := n.ListOnline(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Change{
		Seq:    rev,
		UserID: userID,
		Online: online,
		Users:  users,
		Origin: n.opts.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("encode presence change: %w", err)
	}
	if err := n.nc.Publish(n.subject(), payload); err != nil {
		return fmt.Errorf("publish presence change: %w", err)
	}
	n.metrics.RecordTransition(online, len(users))
	return nil
}

// Close unsubscribes and deletes this instance's liveness entry. The NATS
// connection is left open.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	var errs []error
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	n.subs = nil
	if err := n.instances.Delete(n.opts.InstanceID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func encodeSet(set []string) []byte {
	raw, _ := json.Marshal(set)
	return raw
}

func decodeSet(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var set []string
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode instance set: %w", err)
	}
	return set, nil
}

func addInstance(set []string, id string) []string {
	for _, existing := range set {
		if existing == id {
			return set
		}
	}
	out := append(append([]string(nil), set...), id)
	sort.Strings(out)
	return out
}

func dropInstance(set []string, id string) []string {
	out := make([]string, 0, len(set))
	for _, existing := range set {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
