// Package call implements one-round offer/answer call signaling.
//
// A Session is the per-attempt state machine shared by both sides. The Agent
// drives a Session from a client connection, and the Tracker watches calls on
// the server so that a disconnect or an expired ring ends them explicitly.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a call lifecycle state.
type State int

const (
	Idle State = iota
	Calling
	Ringing
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role is the side of the call a session represents.
type Role int

const (
	RoleUnknown Role = iota
	RoleCaller
	RoleCallee
)

// End reasons carried by callEnded.
const (
	ReasonHangup     = "hangup"
	ReasonRejected   = "rejected"
	ReasonBusy       = "busy"
	ReasonTimeout    = "timeout"
	ReasonFailed     = "failed"
	ReasonDisconnect = "disconnect"
	ReasonMedia      = "media"
)

var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrRenegotiation     = errors.New("renegotiation not supported")
	ErrCallFailed        = errors.New("call failed")
	ErrBusy              = errors.New("call already in progress")
	ErrNoCall            = errors.New("no active call")
	ErrEmptySignal       = errors.New("signal is empty")
)

var transitions = map[State][]State{
	Idle:      {Calling, Ringing, Ended},
	Calling:   {Connected, Ended},
	Ringing:   {Connected, Ended},
	Connected: {Ended},
	Ended:     nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Peer identifies the remote party of a call.
type Peer struct {
	ID         string
	Name       string
	ProfilePic string
}

// Session holds the signaling state of a single call attempt. Ended is
// terminal; a new call needs a new Session.
type Session struct {
	mu        sync.Mutex
	id        string
	role      Role
	peer      Peer
	state     State
	offer     json.RawMessage
	answer    json.RawMessage
	endReason string
	startedAt time.Time
	endedAt   time.Time
}

// NewSession returns an Idle session.
func NewSession() *Session {
	return &Session{id: uuid.NewString(), state: Idle, startedAt: time.Now()}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) Peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Offer returns the offer signal, sent or received.
func (s *Session) Offer() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSignal(s.offer)
}

// Answer returns the answer signal, sent or received.
func (s *Session) Answer() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSignal(s.answer)
}

func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Duration is the time spent since the session started, frozen once ended.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		return time.Since(s.startedAt)
	}
	return s.endedAt.Sub(s.startedAt)
}

// Dial records the caller's offer to callee and moves Idle -> Calling.
func (s *Session) Dial(callee Peer, offer json.RawMessage) error {
	if len(offer) == 0 {
		return ErrEmptySignal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offer != nil {
		return ErrRenegotiation
	}
	if err := s.transitionLocked(Calling); err != nil {
		return err
	}
	s.role = RoleCaller
	s.peer = callee
	s.offer = cloneSignal(offer)
	return nil
}

// ReceiveOffer records an incoming offer and moves Idle -> Ringing.
func (s *Session) ReceiveOffer(caller Peer, offer json.RawMessage) error {
	if len(offer) == 0 {
		return ErrEmptySignal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offer != nil {
		return ErrRenegotiation
	}
	if err := s.transitionLocked(Ringing); err != nil {
		return err
	}
	s.role = RoleCallee
	s.peer = caller
	s.offer = cloneSignal(offer)
	return nil
}

// Accept records the callee's answer and moves Ringing -> Connected.
func (s *Session) Accept(answer json.RawMessage) error {
	if len(answer) == 0 {
		return ErrEmptySignal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answer != nil {
		return ErrRenegotiation
	}
	if s.role != RoleCallee {
		return fmt.Errorf("accept as %v: %w", s.state, ErrInvalidTransition)
	}
	if err := s.transitionLocked(Connected); err != nil {
		return err
	}
	s.answer = cloneSignal(answer)
	return nil
}

// Reject declines a ringing call.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ringing {
		return fmt.Errorf("reject while %v: %w", s.state, ErrInvalidTransition)
	}
	return s.endLocked(ReasonRejected)
}

// ReceiveAnswer records the callee's answer on the caller side and moves
// Calling -> Connected.
func (s *Session) ReceiveAnswer(answer json.RawMessage) error {
	if len(answer) == 0 {
		return ErrEmptySignal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answer != nil {
		return ErrRenegotiation
	}
	if s.role != RoleCaller {
		return fmt.Errorf("answer received while %v: %w", s.state, ErrInvalidTransition)
	}
	if err := s.transitionLocked(Connected); err != nil {
		return err
	}
	s.answer = cloneSignal(answer)
	return nil
}

// Hangup ends the call from any live state.
func (s *Session) Hangup(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = ReasonHangup
	}
	return s.endLocked(reason)
}

func (s *Session) endLocked(reason string) error {
	if err := s.transitionLocked(Ended); err != nil {
		return err
	}
	s.endReason = reason
	s.endedAt = time.Now()
	return nil
}

func (s *Session) transitionLocked(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%v -> %v: %w", s.state, to, ErrInvalidTransition)
	}
	s.state = to
	return nil
}

func cloneSignal(sig json.RawMessage) json.RawMessage {
	if sig == nil {
		return nil
	}
	out := make(json.RawMessage, len(sig))
	copy(out, sig)
	return out
}
