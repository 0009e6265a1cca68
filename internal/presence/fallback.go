package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Fallback fronts a broker-backed store with a local Memory mirror. When the
// broker errors, the failure is logged and the local answer is returned, so
// presence degrades to this instance's view instead of blocking messaging.
// The first broker success afterwards leaves degraded mode.
type Fallback struct {
	broker    Store
	local     *Memory
	log       *zap.Logger
	metrics   *Metrics
	opTimeout time.Duration

	degraded atomic.Bool
	mu       sync.Mutex
	onChange []func(bool)
	pending  []pendingSub
	// left holds users whose last local connection closed while the broker
	// was unreachable; their shared entry for this instance is still set.
	left map[string]struct{}
}

type pendingSub struct {
	ctx context.Context
	fn  func(Change)
}

// NewFallback wraps broker. opTimeout bounds each broker call; zero keeps the
// caller's deadline.
func NewFallback(broker Store, local *Memory, opTimeout time.Duration, log *zap.Logger, metrics *Metrics) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	if local == nil {
		local = NewMemory("")
	}
	return &Fallback{
		broker:    broker,
		local:     local,
		log:       log.With(zap.String("component", "presence.fallback")),
		metrics:   metrics,
		opTimeout: opTimeout,
		left:      make(map[string]struct{}),
	}
}

// Degraded reports whether the last broker call failed.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

// OnModeChange registers fn to run whenever degraded mode is entered or left.
func (f *Fallback) OnModeChange(fn func(degraded bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = append(f.onChange, fn)
}

func (f *Fallback) MarkOnline(ctx context.Context, userID string) error {
	if err := f.local.MarkOnline(ctx, userID); err != nil {
		return err
	}
	bctx, cancel := f.brokerContext(ctx)
	defer cancel()
	if err := f.broker.MarkOnline(bctx, userID); err != nil {
		f.fail("mark_online", err, zap.String("user_id", userID))
		return nil
	}
	f.recover()
	return nil
}

func (f *Fallback) MarkOfflineIfLast(ctx context.Context, userID string, isLastLocalConnection bool) (bool, error) {
	localOnline, err := f.local.MarkOfflineIfLast(ctx, userID, isLastLocalConnection)
	if err != nil {
		return false, err
	}
	bctx, cancel := f.brokerContext(ctx)
	defer cancel()
	stillOnline, err := f.broker.MarkOfflineIfLast(bctx, userID, isLastLocalConnection)
	if err != nil {
		if isLastLocalConnection {
			f.mu.Lock()
			f.left[userID] = struct{}{}
			f.mu.Unlock()
		}
		f.fail("mark_offline", err, zap.String("user_id", userID))
		return localOnline, nil
	}
	f.recover()
	return stillOnline, nil
}

func (f *Fallback) ListOnline(ctx context.Context) ([]string, error) {
	bctx, cancel := f.brokerContext(ctx)
	defer cancel()
	users, err := f.broker.ListOnline(bctx)
	if err != nil {
		f.fail("list_online", err)
		return f.local.ListOnline(ctx)
	}
	f.recover()
	return users, nil
}

// Subscribe forwards broker changes, and local changes while degraded. A
// broker subscription failure is not fatal: the local view keeps flowing.
func (f *Fallback) Subscribe(ctx context.Context, fn func(Change)) error {
	if err := f.local.Subscribe(ctx, func(c Change) {
		if f.Degraded() {
			fn(c)
		}
	}); err != nil {
		return err
	}
	// The broker bounds its own handshake; ctx must outlive the subscription.
	if err := f.broker.Subscribe(ctx, fn); err != nil {
		f.mu.Lock()
		f.pending = append(f.pending, pendingSub{ctx: ctx, fn: fn})
		f.mu.Unlock()
		f.fail("subscribe", err)
	}
	return nil
}

// resubscribe retries broker subscriptions that failed while degraded.
func (f *Fallback) resubscribe() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, p := range pending {
		if p.ctx.Err() != nil {
			continue
		}
		if err := f.broker.Subscribe(p.ctx, p.fn); err != nil {
			f.mu.Lock()
			f.pending = append(f.pending, p)
			f.mu.Unlock()
			f.log.Warn("presence resubscribe failed", zap.Error(err))
		}
	}
}

func (f *Fallback) Close() error {
	_ = f.local.Close()
	return f.broker.Close()
}

func (f *Fallback) brokerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.opTimeout)
}

func (f *Fallback) fail(op string, err error, fields ...zap.Field) {
	f.metrics.RecordBrokerError(op)
	if f.degraded.CompareAndSwap(false, true) {
		f.metrics.SetDegraded(true)
		f.log.Warn("presence broker unavailable, using local view",
			append(fields, zap.String("op", op), zap.Error(err))...)
		f.notifyMode(true)
		return
	}
	f.log.Debug("presence broker still unavailable",
		append(fields, zap.String("op", op), zap.Error(err))...)
}

func (f *Fallback) recover() {
	if f.degraded.CompareAndSwap(true, false) {
		f.metrics.SetDegraded(false)
		f.log.Info("presence broker reachable again")
		go func() {
			f.reconcile()
			f.resubscribe()
		}()
		f.notifyMode(false)
	}
}

// reconcile pushes the local view into the broker after an outage. Users who
// connected here while it was down are marked online and users who left are
// marked offline. Both broker operations are idempotent. A failure re-enters
// degraded mode and the next recovery replays again.
func (f *Fallback) reconcile() {
	ctx := context.Background()
	users, err := f.local.ListOnline(ctx)
	if err != nil {
		return
	}
	for _, userID := range users {
		bctx, cancel := f.brokerContext(ctx)
		err := f.broker.MarkOnline(bctx, userID)
		cancel()
		if err != nil {
			f.fail("reconcile_online", err, zap.String("user_id", userID))
			return
		}
	}

	f.mu.Lock()
	left := make([]string, 0, len(f.left))
	for userID := range f.left {
		left = append(left, userID)
	}
	f.left = make(map[string]struct{})
	f.mu.Unlock()

	for i, userID := range left {
		if f.local.IsOnline(userID) {
			continue
		}
		bctx, cancel := f.brokerContext(ctx)
		_, err := f.broker.MarkOfflineIfLast(bctx, userID, true)
		cancel()
		if err != nil {
			f.mu.Lock()
			for _, rest := range left[i:] {
				f.left[rest] = struct{}{}
			}
			f.mu.Unlock()
			f.fail("reconcile_offline", err, zap.String("user_id", userID))
			return
		}
	}
}

func (f *Fallback) notifyMode(degraded bool) {
	f.mu.Lock()
	fns := append([]func(bool){}, f.onChange...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(degraded)
	}
}
