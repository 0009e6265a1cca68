package call

import (
	"encoding/json"
	"errors"
	"testing"
)

var (
	testOffer  = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	testAnswer = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Idle, Calling, true},
		{Idle, Ringing, true},
		{Idle, Ended, true},
		{Idle, Connected, false},
		{Calling, Connected, true},
		{Calling, Ended, true},
		{Calling, Ringing, false},
		{Ringing, Connected, true},
		{Ringing, Ended, true},
		{Ringing, Calling, false},
		{Connected, Ended, true},
		{Connected, Ringing, false},
		{Ended, Idle, false},
		{Ended, Calling, false},
		{Ended, Ended, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%v -> %v: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestCalleeAcceptPath(t *testing.T) {
	s := NewSession()
	caller := Peer{ID: "alice", Name: "Alice", ProfilePic: "a.png"}
	if err := s.ReceiveOffer(caller, testOffer); err != nil {
		t.Fatalf("receive offer: %v", err)
	}
	if s.State() != Ringing || s.Role() != RoleCallee || s.Peer() != caller {
		t.Fatalf("unexpected session after offer: %v %v %+v", s.State(), s.Role(), s.Peer())
	}
	if err := s.Accept(testAnswer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != Connected {
		t.Fatalf("expected connected, got %v", s.State())
	}
	if err := s.Hangup(""); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if s.State() != Ended || s.EndReason() != ReasonHangup {
		t.Fatalf("expected ended/hangup, got %v/%s", s.State(), s.EndReason())
	}
}

func TestCalleeRejectPath(t *testing.T) {
	s := NewSession()
	if err := s.ReceiveOffer(Peer{ID: "alice"}, testOffer); err != nil {
		t.Fatalf("receive offer: %v", err)
	}
	if err := s.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if s.State() != Ended || s.EndReason() != ReasonRejected {
		t.Fatalf("expected ended/rejected, got %v/%s", s.State(), s.EndReason())
	}
}

func TestCallerPath(t *testing.T) {
	s := NewSession()
	if err := s.Dial(Peer{ID: "bob"}, testOffer); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if s.State() != Calling || s.Role() != RoleCaller {
		t.Fatalf("expected calling caller, got %v %v", s.State(), s.Role())
	}
	if err := s.ReceiveAnswer(testAnswer); err != nil {
		t.Fatalf("receive answer: %v", err)
	}
	if s.State() != Connected || string(s.Answer()) != string(testAnswer) {
		t.Fatalf("expected connected with answer, got %v %s", s.State(), s.Answer())
	}
}

func TestEndedIsTerminal(t *testing.T) {
	s := NewSession()
	if err := s.Hangup(ReasonFailed); err != nil {
		t.Fatalf("hangup idle: %v", err)
	}
	checks := map[string]error{
		"dial":   s.Dial(Peer{ID: "bob"}, testOffer),
		"offer":  s.ReceiveOffer(Peer{ID: "bob"}, testOffer),
		"hangup": s.Hangup(""),
		"reject": s.Reject(),
		"accept": s.Accept(testAnswer),
		"answer": s.ReceiveAnswer(testAnswer),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s after end: expected ErrInvalidTransition, got %v", name, err)
		}
	}
	if s.EndReason() != ReasonFailed {
		t.Fatalf("end reason overwritten: %s", s.EndReason())
	}
}

func TestSingleSignalPerDirection(t *testing.T) {
	caller := NewSession()
	if err := caller.Dial(Peer{ID: "bob"}, testOffer); err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := caller.Dial(Peer{ID: "bob"}, testOffer); !errors.Is(err, ErrRenegotiation) {
		t.Fatalf("second offer: expected ErrRenegotiation, got %v", err)
	}
	if err := caller.ReceiveAnswer(testAnswer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := caller.ReceiveAnswer(testAnswer); !errors.Is(err, ErrRenegotiation) {
		t.Fatalf("second answer: expected ErrRenegotiation, got %v", err)
	}

	callee := NewSession()
	if err := callee.ReceiveOffer(Peer{ID: "alice"}, testOffer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := callee.ReceiveOffer(Peer{ID: "alice"}, testOffer); !errors.Is(err, ErrRenegotiation) {
		t.Fatalf("second incoming offer: expected ErrRenegotiation, got %v", err)
	}
	if err := callee.Accept(testAnswer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := callee.Accept(testAnswer); !errors.Is(err, ErrRenegotiation) {
		t.Fatalf("second accept: expected ErrRenegotiation, got %v", err)
	}
}

func TestRoleGuards(t *testing.T) {
	caller := NewSession()
	_ = caller.Dial(Peer{ID: "bob"}, testOffer)
	if err := caller.Accept(testAnswer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("caller accept: expected ErrInvalidTransition, got %v", err)
	}
	if err := caller.Reject(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("caller reject: expected ErrInvalidTransition, got %v", err)
	}

	callee := NewSession()
	_ = callee.ReceiveOffer(Peer{ID: "alice"}, testOffer)
	if err := callee.ReceiveAnswer(testAnswer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("callee receive answer: expected ErrInvalidTransition, got %v", err)
	}
}

func TestEmptySignalRejected(t *testing.T) {
	s := NewSession()
	if err := s.Dial(Peer{ID: "bob"}, nil); !errors.Is(err, ErrEmptySignal) {
		t.Fatalf("expected ErrEmptySignal, got %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("state moved on empty signal: %v", s.State())
	}
}
