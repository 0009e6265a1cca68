package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
)

type nopSink struct{}

func (nopSink) Deliver(event.Event) error { return nil }

func conn(user, id string) Connection {
	return Connection{UserID: user, ID: id, InstanceID: "i1", Sink: nopSink{}}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewInMemory(0)
	base := time.Unix(1700000000, 0)
	tick := 0
	reg.nowFn = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, c := range []Connection{conn("alice", "c2"), conn("alice", "c1"), conn("bob", "c3")} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}

	if got := reg.ConnectionIDs("alice"); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("unexpected alice ids %v", got)
	}
	conns := reg.Connections("alice")
	if len(conns) != 2 || conns[0].ID != "c2" {
		t.Fatalf("expected connections in connect order, got %+v", conns)
	}
	if reg.Count() != 3 || reg.Users() != 2 {
		t.Fatalf("expected 3 connections for 2 users, got %d/%d", reg.Count(), reg.Users())
	}
	if len(reg.ConnectionIDs("nobody")) != 0 {
		t.Fatal("expected no ids for unknown user")
	}
}

func TestUnregisterReportsRemainingTabs(t *testing.T) {
	reg := NewInMemory(0)
	_ = reg.Register(conn("alice", "tab1"))
	_ = reg.Register(conn("alice", "tab2"))

	c, remaining, ok := reg.Unregister("tab1")
	if !ok || c.UserID != "alice" || remaining != 1 {
		t.Fatalf("expected one remaining tab, got ok=%v remaining=%d", ok, remaining)
	}
	_, remaining, ok = reg.Unregister("tab2")
	if !ok || remaining != 0 {
		t.Fatalf("expected last tab to leave zero, got ok=%v remaining=%d", ok, remaining)
	}
	if _, _, ok := reg.Unregister("tab2"); ok {
		t.Fatal("expected second unregister to report missing")
	}
	if reg.Users() != 0 {
		t.Fatalf("expected user index cleaned up, got %d", reg.Users())
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewInMemory(1)
	if err := reg.Register(Connection{ID: "x"}); !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected ErrInvalidConnection, got %v", err)
	}
	if err := reg.Register(conn("a", "x")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(conn("a", "x")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := reg.Register(conn("b", "y")); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	reg := NewInMemory(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := reg.Register(conn("shared", id)); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = reg.ConnectionIDs("shared")
			if _, _, ok := reg.Unregister(id); !ok {
				t.Errorf("unregister %s failed", id)
			}
		}(i)
	}
	wg.Wait()
	if reg.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Count())
	}
}
