package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
	"go.uber.org/zap"
)

// Transport sends a signaling event to the server.
type Transport interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Media is the local peer connection. Acquire must succeed before any signal
// is produced. Release may be called more than once.
type Media interface {
	Acquire(ctx context.Context) error
	Offer(ctx context.Context) (json.RawMessage, error)
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	Apply(ctx context.Context, answer json.RawMessage) error
	Release()
}

// Callbacks surface call progress to the application. All are optional and
// run without the agent lock held.
type Callbacks struct {
	OnIncoming  func(caller Peer)
	OnConnected func(peer Peer)
	OnEnded     func(peer Peer, reason string)
	OnFailed    func(peer Peer, err error)
}

// AgentOptions configures an Agent.
type AgentOptions struct {
	Self Peer
	// RingTimeout bounds how long an outgoing call may stay unanswered. Zero
	// leaves the call ringing until someone hangs up.
	RingTimeout time.Duration
	Callbacks   Callbacks
}

// Agent runs the caller and callee sides of one call at a time.
type Agent struct {
	log       *zap.Logger
	transport Transport
	media     Media
	self      Peer
	ringFor   time.Duration
	cb        Callbacks

	mu      sync.Mutex
	session *Session
	timer   *time.Timer
}

func NewAgent(log *zap.Logger, transport Transport, media Media, opts AgentOptions) (*Agent, error) {
	if transport == nil {
		return nil, errors.New("transport required")
	}
	if media == nil {
		return nil, errors.New("media required")
	}
	if opts.Self.ID == "" {
		return nil, errors.New("self id required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Agent{
		log:       log.With(zap.String("component", "call_agent"), zap.String("user_id", opts.Self.ID)),
		transport: transport,
		media:     media,
		self:      opts.Self,
		ringFor:   opts.RingTimeout,
		cb:        opts.Callbacks,
	}, nil
}

// State returns the state of the current call, Idle when there is none.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return Idle
	}
	return a.session.State()
}

// Session returns the current or last session.
func (a *Agent) Session() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Call places a call. Media is acquired first; if that fails nothing is sent.
func (a *Agent) Call(ctx context.Context, callee Peer) error {
	if callee.ID == "" || callee.ID == a.self.ID {
		return fmt.Errorf("invalid callee %q", callee.ID)
	}
	a.mu.Lock()
	if a.busyLocked() {
		a.mu.Unlock()
		return ErrBusy
	}
	session := NewSession()
	a.session = session
	a.mu.Unlock()

	if err := a.media.Acquire(ctx); err != nil {
		_ = session.Hangup(ReasonMedia)
		return fmt.Errorf("acquire media: %w", err)
	}
	offer, err := a.media.Offer(ctx)
	if err != nil {
		_ = session.Hangup(ReasonMedia)
		a.media.Release()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := session.Dial(callee, offer); err != nil {
		a.media.Release()
		return err
	}

	req := event.CallRequest{
		UserToCall: callee.ID,
		SignalData: offer,
		From:       a.self.ID,
		Name:       a.self.Name,
		ProfilePic: a.self.ProfilePic,
	}
	if err := a.transport.Emit(ctx, event.CallUser, req); err != nil {
		err = fmt.Errorf("send offer to %s: %v: %w", callee.ID, err, ErrCallFailed)
		a.fail(session, err)
		return err
	}
	a.log.Debug("offer sent", zap.String("peer_id", callee.ID))

	if a.ringFor > 0 {
		a.mu.Lock()
		if a.session == session {
			a.timer = time.AfterFunc(a.ringFor, func() { a.expire(session) })
		}
		a.mu.Unlock()
	}
	return nil
}

// HandleIncoming processes a callUser event. The call rings until Accept or
// Reject is called.
func (a *Agent) HandleIncoming(ctx context.Context, in event.IncomingCall) error {
	caller := Peer{ID: in.From, Name: in.Name, ProfilePic: in.ProfilePic}
	if caller.ID == "" {
		return fmt.Errorf("incoming call without caller: %w", event.ErrMalformed)
	}
	a.mu.Lock()
	if a.busyLocked() {
		a.mu.Unlock()
		a.log.Info("rejecting call while busy", zap.String("peer_id", caller.ID))
		return a.sendEnd(ctx, caller.ID, ReasonBusy)
	}
	session := NewSession()
	if err := session.ReceiveOffer(caller, in.Signal); err != nil {
		a.mu.Unlock()
		return err
	}
	a.session = session
	a.mu.Unlock()

	if a.cb.OnIncoming != nil {
		a.cb.OnIncoming(caller)
	}
	return nil
}

// Accept answers the ringing call.
func (a *Agent) Accept(ctx context.Context) error {
	session, err := a.current(Ringing)
	if err != nil {
		return err
	}
	peer := session.Peer()

	if err := a.media.Acquire(ctx); err != nil {
		_ = session.Hangup(ReasonMedia)
		_ = a.sendEnd(ctx, peer.ID, ReasonMedia)
		return fmt.Errorf("acquire media: %w", err)
	}
	answer, err := a.media.Answer(ctx, session.Offer())
	if err != nil {
		_ = session.Hangup(ReasonMedia)
		a.media.Release()
		_ = a.sendEnd(ctx, peer.ID, ReasonMedia)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := session.Accept(answer); err != nil {
		a.media.Release()
		if session.Hangup(ReasonMedia) == nil {
			_ = a.sendEnd(ctx, peer.ID, ReasonMedia)
		}
		return err
	}
	if err := a.transport.Emit(ctx, event.AnswerCall, event.AnswerRequest{To: peer.ID, Signal: answer}); err != nil {
		err = fmt.Errorf("send answer to %s: %v: %w", peer.ID, err, ErrCallFailed)
		a.fail(session, err)
		return err
	}
	if a.cb.OnConnected != nil {
		a.cb.OnConnected(peer)
	}
	return nil
}

// Reject declines the ringing call and tells the caller.
func (a *Agent) Reject(ctx context.Context) error {
	session, err := a.current(Ringing)
	if err != nil {
		return err
	}
	if err := session.Reject(); err != nil {
		return err
	}
	return a.sendEnd(ctx, session.Peer().ID, ReasonRejected)
}

// HandleAccepted processes a callAccepted event on the caller side.
func (a *Agent) HandleAccepted(ctx context.Context, answer json.RawMessage) error {
	session, err := a.current(Calling)
	if err != nil {
		return err
	}
	if err := session.ReceiveAnswer(answer); err != nil {
		return err
	}
	a.stopTimer(session)
	if err := a.media.Apply(ctx, answer); err != nil {
		_ = session.Hangup(ReasonMedia)
		a.media.Release()
		_ = a.sendEnd(ctx, session.Peer().ID, ReasonMedia)
		return fmt.Errorf("apply answer: %w", err)
	}
	if a.cb.OnConnected != nil {
		a.cb.OnConnected(session.Peer())
	}
	return nil
}

// Hangup ends the current call and tells the peer.
func (a *Agent) Hangup(ctx context.Context, reason string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return ErrNoCall
	}
	if reason == "" {
		reason = ReasonHangup
	}
	if err := session.Hangup(reason); err != nil {
		return err
	}
	a.stopTimer(session)
	a.media.Release()
	peer := session.Peer()
	if a.cb.OnEnded != nil {
		a.cb.OnEnded(peer, reason)
	}
	return a.sendEnd(ctx, peer.ID, reason)
}

// HandleEnded processes a callEnded event from the peer.
func (a *Agent) HandleEnded(notice event.CallEndedNotice) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil || session.Peer().ID != notice.From {
		return ErrNoCall
	}
	reason := notice.Reason
	if reason == "" {
		reason = ReasonHangup
	}
	if err := session.Hangup(reason); err != nil {
		return err
	}
	a.stopTimer(session)
	a.media.Release()
	if a.cb.OnEnded != nil {
		a.cb.OnEnded(session.Peer(), reason)
	}
	return nil
}

// HandleDisconnect ends the current call locally once the signaling
// connection is gone, typically when the client's event stream closes.
// Nothing is sent; the server ends the call for the peer.
func (a *Agent) HandleDisconnect() {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil || session.Hangup(ReasonDisconnect) != nil {
		return
	}
	a.stopTimer(session)
	a.media.Release()
	a.log.Info("call dropped with connection", zap.String("peer_id", session.Peer().ID))
	if a.cb.OnEnded != nil {
		a.cb.OnEnded(session.Peer(), ReasonDisconnect)
	}
}

// Dispatch routes a signaling event received from the server. Other events
// are ignored.
func (a *Agent) Dispatch(ctx context.Context, ev event.Event) error {
	switch ev.Name {
	case event.CallUser:
		var in event.IncomingCall
		if err := ev.Bind(&in); err != nil {
			return err
		}
		return a.HandleIncoming(ctx, in)
	case event.CallAccepted:
		if len(ev.Data) == 0 {
			return fmt.Errorf("%s: empty payload: %w", ev.Name, event.ErrMalformed)
		}
		return a.HandleAccepted(ctx, ev.Data)
	case event.CallEnded:
		var notice event.CallEndedNotice
		if err := ev.Bind(&notice); err != nil {
			return err
		}
		return a.HandleEnded(notice)
	default:
		return nil
	}
}

func (a *Agent) busyLocked() bool {
	return a.session != nil && a.session.State() != Ended
}

func (a *Agent) current(want State) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, ErrNoCall
	}
	if st := a.session.State(); st != want {
		return nil, fmt.Errorf("call is %v, want %v: %w", st, want, ErrInvalidTransition)
	}
	return a.session, nil
}

func (a *Agent) expire(session *Session) {
	a.mu.Lock()
	if a.session != session {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()
	if session.State() != Calling {
		return
	}
	a.log.Info("call unanswered", zap.String("peer_id", session.Peer().ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Let a callee that is still ringing stop.
	_ = a.sendEnd(ctx, session.Peer().ID, ReasonTimeout)
	a.fail(session, fmt.Errorf("no answer from %s: %w", session.Peer().ID, ErrCallFailed))
}

func (a *Agent) fail(session *Session, err error) {
	a.stopTimer(session)
	if hangErr := session.Hangup(ReasonFailed); hangErr != nil {
		return
	}
	a.media.Release()
	a.log.Warn("call failed", zap.String("peer_id", session.Peer().ID), zap.Error(err))
	if a.cb.OnFailed != nil {
		a.cb.OnFailed(session.Peer(), err)
	}
}

func (a *Agent) stopTimer(session *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == session && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) sendEnd(ctx context.Context, to, reason string) error {
	if to == "" {
		return nil
	}
	if err := a.transport.Emit(ctx, event.EndCall, event.EndRequest{To: to, Reason: reason}); err != nil {
		return fmt.Errorf("send end to %s: %w", to, err)
	}
	return nil
}
