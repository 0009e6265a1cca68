package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// markOnlineScript records the instance in the user's connection hash and adds
// the user to the online set. A transition returns {1, seq, members}.
var markOnlineScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
local added = redis.call('SADD', KEYS[2], ARGV[2])
if added == 0 then
  return {0}
end
local seq = redis.call('INCR', KEYS[3])
return {1, seq, redis.call('SMEMBERS', KEYS[2])}
`)

// markOfflineScript drops the instance from the user's connection hash. The
// user leaves the online set only when no instance remains. Returns
// {stillOnline, changed, seq, members}.
var markOfflineScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) > 0 then
  return {1, 0}
end
local removed = redis.call('SREM', KEYS[2], ARGV[2])
if removed == 0 then
  return {0, 0}
end
local seq = redis.call('INCR', KEYS[3])
return {0, 1, seq, redis.call('SMEMBERS', KEYS[2])}
`)

const seqResetWindow = 1 << 16

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Prefix            string
	InstanceID        string
	OpTimeout         time.Duration
	HeartbeatInterval time.Duration
	InstanceTTL       time.Duration
}

func (o *RedisOptions) normalize() {
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

// Redis keeps presence in a shared Redis. Per user, the hash
// <prefix>:conns:<user> holds one field per instance with live connections;
// <prefix>:online is the online set. Both are mutated only inside Lua scripts.
type Redis struct {
	client  redis.UniversalClient
	opts    RedisOptions
	log     *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	closed  bool
}

// NewRedis wraps client. The client is owned by the caller.
func NewRedis(client redis.UniversalClient, opts RedisOptions, log *zap.Logger, metrics *Metrics) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if opts.InstanceID == "" {
		return nil, errors.New("instance id required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.normalize()
	return &Redis{
		client:  client,
		opts:    opts,
		log:     log.With(zap.String("component", "presence.redis")),
		metrics: metrics,
	}, nil
}

func (r *Redis) connsKey(userID string) string { return r.opts.Prefix + ":conns:" + userID }
func (r *Redis) onlineKey() string             { return r.opts.Prefix + ":online" }
func (r *Redis) seqKey() string                { return r.opts.Prefix + ":presence:seq" }
func (r *Redis) channel() string               { return r.opts.Prefix + ":presence" }
func (r *Redis) instanceKey(id string) string  { return r.opts.Prefix + ":instance:" + id }

func (r *Redis) MarkOnline(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	res, err := markOnlineScript.Run(ctx, r.client,
		[]string{r.connsKey(userID), r.onlineKey(), r.seqKey()},
		r.opts.InstanceID, userID, time.Now().Unix(),
	).Slice()
	if err != nil {
		return fmt.Errorf("mark online %s: %w", userID, err)
	}
	changed, err := scriptInt(res, 0)
	if err != nil {
		return err
	}
	if changed == 0 {
		return nil
	}
	change, err := transitionFromScript(res, 1, userID, true)
	if err != nil {
		return err
	}
	return r.publish(ctx, change)
}

func (r *Redis) MarkOfflineIfLast(ctx context.Context, userID string, isLastLocalConnection bool) (bool, error) {
	if err := validUser(userID); err != nil {
		return false, err
	}
	if !isLastLocalConnection {
		return true, nil
	}
	return r.removeInstance(ctx, userID, r.opts.InstanceID)
}

func (r *Redis) removeInstance(ctx context.Context, userID, instanceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	res, err := markOfflineScript.Run(ctx, r.client,
		[]string{r.connsKey(userID), r.onlineKey(), r.seqKey()},
		instanceID, userID,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("mark offline %s: %w", userID, err)
	}
	stillOnline, err := scriptInt(res, 0)
	if err != nil {
		return false, err
	}
	changed, err := scriptInt(res, 1)
	if err != nil {
		return false, err
	}
	if changed == 1 {
		change, err := transitionFromScript(res, 2, userID, false)
		if err != nil {
			return false, err
		}
		if err := r.publish(ctx, change); err != nil {
			return false, err
		}
	}
	return stillOnline == 1, nil
}

func (r *Redis) ListOnline(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()

	users, err := r.client.SMembers(ctx, r.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	return sortedCopy(users), nil
}

// Subscribe listens on the presence channel until ctx is cancelled or the store
// is closed. Changes older than the last delivered one are skipped.
func (r *Redis) Subscribe(ctx context.Context, fn func(Change)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, r.channel())
	subCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	_, err := pubsub.Receive(subCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}

	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = pubsub.Close()
	}()

	go func() {
		var last uint64
		for msg := range pubsub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.log.Warn("drop malformed presence change", zap.Error(err))
				continue
			}
			// A large backwards jump means the broker restarted and the counter reset.
			if change.Seq <= last && last-change.Seq < seqResetWindow {
				continue
			}
			last = change.Seq
			fn(change)
		}
	}()
	return nil
}

// Run refreshes this instance's liveness key and sweeps connection entries of
// instances whose key expired. It blocks until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) error {
	if err := r.Heartbeat(ctx); err != nil {
		r.log.Warn("presence heartbeat failed", zap.Error(err))
	}
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.metrics.RecordBrokerError("heartbeat")
				r.log.Warn("presence heartbeat failed", zap.Error(err))
				continue
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.metrics.RecordBrokerError("sweep")
				r.log.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}

// Heartbeat marks this instance alive for InstanceTTL.
func (r *Redis) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	return r.client.Set(ctx, r.instanceKey(r.opts.InstanceID), time.Now().Unix(), r.opts.InstanceTTL).Err()
}

// Sweep removes connection entries owned by instances that stopped
// heartbeating, publishing offline transitions where a user has no instance
// left. It returns the number of entries removed.
func (r *Redis) Sweep(ctx context.Context) (int, error) {
	users, err := r.ListOnline(ctx)
	if err != nil {
		return 0, err
	}
	alive := map[string]bool{r.opts.InstanceID: true}
	removed := 0
	for _, userID := range users {
		instances, err := r.hkeys(ctx, r.connsKey(userID))
		if err != nil {
			return removed, err
		}
		for _, instanceID := range instances {
			live, known := alive[instanceID]
			if !known {
				live, err = r.instanceAlive(ctx, instanceID)
				if err != nil {
					return removed, err
				}
				alive[instanceID] = live
			}
			if live {
				continue
			}
			if _, err := r.removeInstance(ctx, userID, instanceID); err != nil {
				return removed, err
			}
			removed++
			r.log.Info("swept stale presence entry",
				zap.String("user_id", userID),
				zap.String("instance_id", instanceID),
			)
		}
		if len(instances) == 0 {
			// Online without any connection entry: left behind by a crash mid-flight.
			if _, err := r.removeInstance(ctx, userID, r.opts.InstanceID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	r.metrics.RecordSwept(removed)
	return removed, nil
}

func (r *Redis) hkeys(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	return r.client.HKeys(ctx, key).Result()
}

func (r *Redis) instanceAlive(ctx context.Context, instanceID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	n, err := r.client.Exists(ctx, r.instanceKey(instanceID)).Result()
	if err != nil {
		return false, fmt.Errorf("check instance %s: %w", instanceID, err)
	}
	return n == 1, nil
}

func (r *Redis) publish(ctx context.Context, change Change) error {
	change.Origin = r.opts.InstanceID
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode presence change: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish presence change: %w", err)
	}
	r.metrics.RecordTransition(change.Online, len(change.Users))
	return nil
}

// Close stops subscriptions. The Redis client is left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, ps := range r.pubsubs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.pubsubs = nil

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.OpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, r.instanceKey(r.opts.InstanceID)).Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func scriptInt(res []interface{}, idx int) (int64, error) {
	if idx >= len(res) {
		return 0, fmt.Errorf("presence script returned %d values, want index %d", len(res), idx)
	}
	switch v := res[idx].(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("presence script value %d has type %T", idx, res[idx])
	}
}

func transitionFromScript(res []interface{}, idx int, userID string, online bool) (Change, error) {
	seq, err := scriptInt(res, idx)
	if err != nil {
		return Change{}, err
	}
	if idx+1 >= len(res) {
		return Change{}, fmt.Errorf("presence script returned no members")
	}
	raw, ok := res[idx+1].([]interface{})
	if !ok {
		return Change{}, fmt.Errorf("presence script members have type %T", res[idx+1])
	}
	users := make([]string, 0, len(raw))
	for _, m := range raw {
		if s, ok := m.(string); ok {
			users = append(users, s)
		}
	}
	return Change{
		Seq:    uint64(seq),
		UserID: userID,
		Online: online,
		Users:  sortedCopy(users),
	}, nil
}
