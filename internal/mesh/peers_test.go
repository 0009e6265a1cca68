package mesh

import (
	"testing"
	"time"
)

func TestPeersSeenAndEvict(t *testing.T) {
	peers, err := NewPeers("self", nil)
	if err != nil {
		t.Fatalf("new peers: %v", err)
	}
	now := time.Now()
	if !peers.Seen("peer-1", now) {
		t.Fatal("expected first frame to report a new peer")
	}
	if peers.Seen("peer-1", now.Add(time.Second)) {
		t.Fatal("expected known peer on second frame")
	}
	peers.Seen("peer-2", now.Add(-time.Minute))

	snap := peers.Snapshot()
	if len(snap) != 3 || snap[0].ID != "peer-1" || snap[0].Frames != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	removed := peers.EvictStale(now.Add(-30 * time.Second))
	if len(removed) != 1 || removed[0].ID != "peer-2" {
		t.Fatalf("expected peer-2 evicted, got %+v", removed)
	}
	if len(peers.Snapshot()) != 2 {
		t.Fatalf("expected self and peer-1 to remain")
	}

	// Self is never evicted.
	peers.EvictStale(now.Add(time.Hour))
	snap = peers.Snapshot()
	if len(snap) != 1 || snap[0].ID != "self" {
		t.Fatalf("expected only self to remain, got %+v", snap)
	}
}

func TestPeersRequiresSelf(t *testing.T) {
	if _, err := NewPeers("", nil); err == nil {
		t.Fatal("expected error for empty self id")
	}
}
