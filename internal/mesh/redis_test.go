package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisBusDeliversAcrossClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	pubClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	subClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer pubClient.Close()
	defer subClient.Close()

	pub := NewRedisBus(pubClient, "t", time.Second, zaptest.NewLogger(t), nil)
	sub := NewRedisBus(subClient, "t", time.Second, zaptest.NewLogger(t), nil)
	defer pub.Close()
	defer sub.Close()

	got := make(chan Frame, 1)
	if err := sub.Subscribe(ctx, func(f Frame) { got <- f }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, Frame{Origin: "i1", UserID: "bob", Event: "userTyping"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case f := <-got:
		if f.UserID != "bob" || f.Event != "userTyping" || f.Origin != "i1" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestRedisBusPublishFailsWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bus := NewRedisBus(client, "t", 200*time.Millisecond, nil, nil)
	mr.Close()

	if err := bus.Publish(context.Background(), Frame{Origin: "i1"}); err == nil {
		t.Fatal("expected publish error with broker down")
	}
}
