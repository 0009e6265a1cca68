package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLocalHubFansOutToEveryBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	a := NewLocalBus(hub, 8, NewMetrics(prometheus.NewRegistry()))
	b := NewLocalBus(hub, 8, nil)
	defer a.Close()
	defer b.Close()

	gotA := make(chan Frame, 4)
	gotB := make(chan Frame, 4)
	if err := a.Subscribe(ctx, func(f Frame) { gotA <- f }); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx, func(f Frame) { gotB <- f }); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	frame := Frame{Origin: "i1", UserID: "u1", Event: "newMessage", Payload: json.RawMessage(`{"text":"x"}`)}
	if err := a.Publish(ctx, frame); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]chan Frame{"a": gotA, "b": gotB} {
		select {
		case got := <-ch:
			if got.Origin != "i1" || got.UserID != "u1" || got.Kind != KindEvent || string(got.Payload) != `{"text":"x"}` {
				t.Fatalf("bus %s got unexpected frame %+v", name, got)
			}
			if got.SentAt.IsZero() {
				t.Fatalf("bus %s frame missing timestamp", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("bus %s did not receive frame", name)
		}
	}
}

func TestLocalBusPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLocalHub()
	bus := NewLocalBus(hub, 64, nil)
	defer bus.Close()

	got := make(chan string, 32)
	if err := bus.Subscribe(ctx, func(f Frame) { got <- f.Event }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := []string{"e0", "e1", "e2", "e3", "e4", "e5"}
	for _, ev := range want {
		if err := bus.Publish(ctx, Frame{Origin: "i1", Event: ev}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i, ev := range want {
		select {
		case g := <-got:
			if g != ev {
				t.Fatalf("position %d: expected %s, got %s", i, ev, g)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at position %d", i)
		}
	}
}

func TestLocalBusClosed(t *testing.T) {
	bus := NewLocalBus(nil, 0, nil)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(context.Background(), Frame{Origin: "x"}); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if err := bus.Subscribe(context.Background(), func(Frame) {}); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestDecodeFrameRequiresOrigin(t *testing.T) {
	if _, err := decodeFrame([]byte(`{"event":"x"}`)); err == nil {
		t.Fatal("expected error for frame without origin")
	}
	if _, err := decodeFrame([]byte(`nope`)); err == nil {
		t.Fatal("expected error for garbage")
	}
}
