package call

import (
	"context"
	"sync"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
	"go.uber.org/zap"
)

// Emitter delivers an event to every connection of a user.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, name string, payload any) error
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// RingTimeout ends calls that stay unanswered this long. Zero disables it.
	RingTimeout time.Duration
	OpTimeout   time.Duration
	Metrics     *Metrics
}

type trackedCall struct {
	caller      string
	callee      string
	state       State
	callerLocal bool
	calleeLocal bool
	startedAt   time.Time
	timer       *time.Timer
}

func (c *trackedCall) peerOf(userID string) string {
	if userID == c.caller {
		return c.callee
	}
	return c.caller
}

// Tracker follows the calls of participants connected to this instance so
// that a disconnect ends the call for the other side.
type Tracker struct {
	log       *zap.Logger
	emit      Emitter
	ringFor   time.Duration
	opTimeout time.Duration
	metrics   *Metrics
	nowFn     func() time.Time

	mu     sync.Mutex
	byUser map[string]*trackedCall
}

func NewTracker(log *zap.Logger, emit Emitter, opts TrackerOptions) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &Tracker{
		log:       log.With(zap.String("component", "call_tracker")),
		emit:      emit,
		ringFor:   opts.RingTimeout,
		opTimeout: opts.OpTimeout,
		metrics:   opts.Metrics,
		nowFn:     time.Now,
		byUser:    make(map[string]*trackedCall),
	}
}

// Offered records a call placed by callerID. callerLocal and calleeLocal say
// which participants were seen on this instance.
func (t *Tracker) Offered(callerID, calleeID string, callerLocal, calleeLocal bool) {
	if callerID == "" || calleeID == "" || callerID == calleeID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byUser[callerID]; ok && c.caller == callerID && c.callee == calleeID {
		c.callerLocal = c.callerLocal || callerLocal
		c.calleeLocal = c.calleeLocal || calleeLocal
		return
	}
	// A participant already in a call keeps it; the callee's agent answers a
	// second offer with busy.
	for _, user := range []string{callerID, calleeID} {
		if c, ok := t.byUser[user]; ok {
			t.log.Debug("offer ignored, participant busy",
				zap.String("caller_id", callerID),
				zap.String("callee_id", calleeID),
				zap.String("busy_id", user),
				zap.String("busy_with", c.peerOf(user)),
			)
			return
		}
	}

	c := &trackedCall{
		caller:      callerID,
		callee:      calleeID,
		state:       Ringing,
		callerLocal: callerLocal,
		calleeLocal: calleeLocal,
		startedAt:   t.nowFn(),
	}
	if t.ringFor > 0 {
		c.timer = time.AfterFunc(t.ringFor, func() { t.expire(c) })
	}
	t.byUser[callerID] = c
	t.byUser[calleeID] = c
	t.metrics.setActive(t.activeLocked())
}

// Answered marks userID's call as connected.
func (t *Tracker) Answered(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	if !ok || c.state != Ringing {
		return
	}
	c.state = Connected
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	t.metrics.observeRing(t.nowFn().Sub(c.startedAt))
}

// Ended forgets userID's call with peerID after an explicit hangup. A
// callEnded exchanged with anyone else, such as a busy reply to a second
// caller, leaves the tracked call alone. An empty peerID matches any call.
func (t *Tracker) Ended(userID, peerID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	if !ok || (peerID != "" && c.peerOf(userID) != peerID) {
		return
	}
	t.dropLocked(userID)
	t.metrics.recordEnded(reason)
	t.metrics.setActive(t.activeLocked())
}

// Active returns the state of userID's tracked call.
func (t *Tracker) Active(userID string) (peer string, state State, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	if !ok {
		return "", Idle, false
	}
	return c.peerOf(userID), c.state, true
}

// EndForUser ends userID's call because userID went away, telling the peer
// with callEnded. It reports whether a call was ended.
func (t *Tracker) EndForUser(ctx context.Context, userID, reason string) bool {
	if reason == "" {
		reason = ReasonDisconnect
	}
	t.mu.Lock()
	c, ok := t.byUser[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	peer := c.peerOf(userID)
	t.dropLocked(userID)
	t.metrics.recordEnded(reason)
	t.metrics.setActive(t.activeLocked())
	t.mu.Unlock()

	t.log.Info("ending call for departed participant",
		zap.String("user_id", userID),
		zap.String("peer_id", peer),
		zap.String("reason", reason),
	)
	t.notify(ctx, peer, userID, reason)
	return true
}

// Observe follows signaling delivered to local connections. It is meant to be
// registered as a router observer.
func (t *Tracker) Observe(userID string, ev event.Event) {
	switch ev.Name {
	case event.CallUser:
		var in event.IncomingCall
		if err := ev.Bind(&in); err != nil {
			return
		}
		t.Offered(in.From, userID, false, true)
	case event.CallAccepted:
		t.Answered(userID)
	case event.CallEnded:
		var notice event.CallEndedNotice
		if err := ev.Bind(&notice); err != nil {
			return
		}
		t.Ended(userID, notice.From, notice.Reason)
	}
}

func (t *Tracker) expire(c *trackedCall) {
	t.mu.Lock()
	if cur, ok := t.byUser[c.caller]; !ok || cur != c || c.state != Ringing {
		t.mu.Unlock()
		return
	}
	t.dropLocked(c.caller)
	t.metrics.recordEnded(ReasonTimeout)
	t.metrics.setActive(t.activeLocked())
	callerLocal, calleeLocal := c.callerLocal, c.calleeLocal
	t.mu.Unlock()

	t.log.Info("ring timeout",
		zap.String("caller_id", c.caller),
		zap.String("callee_id", c.callee),
	)
	ctx := context.Background()
	// Each instance tells only its own participants so nobody hears it twice.
	if callerLocal {
		t.notify(ctx, c.caller, c.callee, ReasonTimeout)
	}
	if calleeLocal {
		t.notify(ctx, c.callee, c.caller, ReasonTimeout)
	}
}

func (t *Tracker) notify(ctx context.Context, to, from, reason string) {
	if t.emit == nil || to == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	if err := t.emit.EmitToUser(ctx, to, event.CallEnded, event.CallEndedNotice{From: from, Reason: reason}); err != nil {
		t.log.Warn("emit callEnded failed", zap.String("user_id", to), zap.Error(err))
	}
}

func (t *Tracker) dropLocked(userID string) {
	c, ok := t.byUser[userID]
	if !ok {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	delete(t.byUser, c.caller)
	delete(t.byUser, c.callee)
}

func (t *Tracker) activeLocked() int {
	return len(t.byUser) / 2
}
