package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/prakhar0085/chatapp/internal/mesh"
	"github.com/prakhar0085/chatapp/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
	fail   bool
}

func (s *recordingSink) Deliver(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("buffer full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Name)
	}
	return out
}

type node struct {
	reg    *registry.InMemoryRegistry
	router *Router
}

func newNode(t *testing.T, ctx context.Context, hub *mesh.LocalHub, id string) node {
	t.Helper()
	reg := registry.NewInMemory(0)
	var bus mesh.Bus
	if hub != nil {
		lb := mesh.NewLocalBus(hub, 64, nil)
		t.Cleanup(func() { _ = lb.Close() })
		bus = lb
	}
	r, err := New(zap.NewNop(), reg, bus, Options{
		InstanceID:        id,
		Metrics:           NewMetrics(prometheus.NewRegistry()),
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	return node{reg: reg, router: r}
}

func attach(t *testing.T, n node, userID, connID string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	require.NoError(t, n.reg.Register(registry.Connection{
		UserID:     userID,
		ID:         connID,
		InstanceID: n.router.InstanceID(),
		Sink:       sink,
	}))
	return sink
}

func TestEmitToUserReachesEveryLocalConnectionOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newNode(t, ctx, mesh.NewLocalHub(), "i1")
	tab1 := attach(t, n, "u1", "c1")
	tab2 := attach(t, n, "u1", "c2")
	other := attach(t, n, "u2", "c3")

	require.NoError(t, n.router.EmitToUser(ctx, "u1", event.NewMessage, event.Message{Text: "hi"}))

	// Give the bus time to echo our own frame back; it must be ignored.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{event.NewMessage}, tab1.names())
	require.Equal(t, []string{event.NewMessage}, tab2.names())
	require.Empty(t, other.names())
}

func TestEmitToUserCrossesInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	n2 := newNode(t, ctx, hub, "i2")
	remote := attach(t, n2, "u2", "c-remote")
	local := attach(t, n1, "u2", "c-local")

	require.NoError(t, n1.router.EmitToUser(ctx, "u2", event.UserTyping, event.TypingNotice{SenderID: "u1"}))

	require.Eventually(t, func() bool { return len(remote.names()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{event.UserTyping}, remote.names())
	require.Equal(t, []string{event.UserTyping}, local.names())

	var notice event.TypingNotice
	remote.mu.Lock()
	ev := remote.events[0]
	remote.mu.Unlock()
	require.NoError(t, ev.Bind(&notice))
	require.Equal(t, "u1", notice.SenderID)
}

func TestEmitToAbsentUserIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	n2 := newNode(t, ctx, hub, "i2")
	bystander := attach(t, n2, "u3", "c1")

	require.NoError(t, n1.router.EmitToUser(ctx, "ghost", event.NewMessage, event.Message{Text: "x"}))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, bystander.names())
}

func TestBroadcastLocalStaysOnInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	n2 := newNode(t, ctx, hub, "i2")
	a := attach(t, n1, "u1", "c1")
	b := attach(t, n1, "u2", "c2")
	far := attach(t, n2, "u3", "c3")

	require.NoError(t, n1.router.BroadcastLocal(ctx, event.GetOnlineUsers, []string{"u1", "u2", "u3"}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{event.GetOnlineUsers}, a.names())
	require.Equal(t, []string{event.GetOnlineUsers}, b.names())
	require.Empty(t, far.names())
}

func TestRemoteFrameReachesOnlyItsUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	target := attach(t, n1, "u1", "c1")
	bystander := attach(t, n1, "u2", "c2")

	remote := mesh.NewLocalBus(hub, 8, nil)
	t.Cleanup(func() { _ = remote.Close() })
	require.NoError(t, remote.Publish(ctx, mesh.Frame{Origin: "i9", Event: event.GetOnlineUsers, Payload: []byte(`[]`)}))
	require.NoError(t, remote.Publish(ctx, mesh.Frame{Origin: "i9", UserID: "u1", Event: event.NewMessage, Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool { return len(target.names()) == 1 }, waitFor, tick)
	require.Equal(t, []string{event.NewMessage}, target.names())
	require.Empty(t, bystander.names(), "a frame without a user is dropped, never fanned out")
}

func TestFailingSinkDoesNotBlockSiblings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newNode(t, ctx, nil, "i1")
	stuck := attach(t, n, "u1", "c1")
	stuck.fail = true
	healthy := attach(t, n, "u1", "c2")

	require.NoError(t, n.router.EmitToUser(ctx, "u1", event.NewMessage, event.Message{Text: "x"}))
	require.Empty(t, stuck.names())
	require.Equal(t, []string{event.NewMessage}, healthy.names())
}

func TestObserversSeeLocalDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	n2 := newNode(t, ctx, hub, "i2")
	attach(t, n2, "callee", "c1")

	var mu sync.Mutex
	var seen []string
	n2.router.Observe(func(userID string, ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, userID+":"+ev.Name)
	})
	n1.router.Observe(func(string, event.Event) {
		t.Error("origin instance has no local connection and must not observe")
	})

	require.NoError(t, n1.router.EmitToUser(ctx, "callee", event.CallUser, event.IncomingCall{From: "caller"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "callee:"+event.CallUser
	}, waitFor, tick)
}

func TestHeartbeatsPopulatePeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := mesh.NewLocalHub()
	n1 := newNode(t, ctx, hub, "i1")
	newNode(t, ctx, hub, "i2")

	require.Eventually(t, func() bool {
		for _, p := range n1.router.Peers().Snapshot() {
			if p.ID == "i2" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, nil, nil, Options{InstanceID: "i1"})
	require.Error(t, err)
	_, err = New(nil, registry.NewInMemory(0), nil, Options{})
	require.Error(t, err)
}
