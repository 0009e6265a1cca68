package presence

import (
	"context"
	"sync"
)

// Memory is the single-instance store. It is also the local mirror used by
// Fallback while the broker is unreachable.
type Memory struct {
	mu      sync.Mutex
	online  map[string]struct{}
	seq     uint64
	subs    map[int]func(Change)
	nextSub int
	closed  bool
	origin  string
}

// NewMemory builds an empty in-process store. origin is stamped on published changes.
func NewMemory(origin string) *Memory {
	return &Memory{
		online: make(map[string]struct{}),
		subs:   make(map[int]func(Change)),
		origin: origin,
	}
}

func (m *Memory) MarkOnline(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.online[userID]; ok {
		m.mu.Unlock()
		return ctx.Err()
	}
	m.online[userID] = struct{}{}
	change, subs := m.transitionLocked(userID, true)
	m.mu.Unlock()

	notify(subs, change)
	return ctx.Err()
}

func (m *Memory) MarkOfflineIfLast(ctx context.Context, userID string, isLastLocalConnection bool) (bool, error) {
	if err := validUser(userID); err != nil {
		return false, err
	}
	if !isLastLocalConnection {
		return true, ctx.Err()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := m.online[userID]; !ok {
		m.mu.Unlock()
		return false, ctx.Err()
	}
	delete(m.online, userID)
	change, subs := m.transitionLocked(userID, false)
	m.mu.Unlock()

	notify(subs, change)
	return false, ctx.Err()
}

func (m *Memory) ListOnline(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), ctx.Err()
}

// IsOnline reports local membership without allocating the full set.
func (m *Memory) IsOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.online[userID]
	return ok
}

// Subscribe registers fn until ctx is cancelled. Callbacks run synchronously on
// the goroutine that caused the transition and must not call back into the store.
func (m *Memory) Subscribe(ctx context.Context, fn func(Change)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]func(Change))
	return nil
}

func (m *Memory) transitionLocked(userID string, online bool) (Change, []func(Change)) {
	m.seq++
	change := Change{
		Seq:    m.seq,
		UserID: userID,
		Online: online,
		Users:  m.snapshotLocked(),
		Origin: m.origin,
	}
	subs := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	return change, subs
}

func (m *Memory) snapshotLocked() []string {
	out := make([]string, 0, len(m.online))
	for id := range m.online {
		out = append(out, id)
	}
	return sortedCopy(out)
}

func notify(subs []func(Change), change Change) {
	for _, fn := range subs {
		fn(change)
	}
}
