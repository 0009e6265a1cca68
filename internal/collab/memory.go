package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prakhar0085/chatapp/internal/event"
)

// MemoryMessages is a process-local MessageStore for development and tests.
type MemoryMessages struct {
	mu    sync.RWMutex
	msgs  []event.Message
	nowFn func() time.Time
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{nowFn: time.Now}
}

func (m *MemoryMessages) Create(ctx context.Context, d Draft) (event.Message, error) {
	if err := d.validate(); err != nil {
		return event.Message{}, err
	}
	msg := event.Message{
		ID:         uuid.NewString(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		Image:      d.Image,
		Audio:      d.Audio,
		CreatedAt:  m.nowFn().UTC(),
	}
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return msg, ctx.Err()
}

func (m *MemoryMessages) ListConversation(ctx context.Context, a, b string) ([]event.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]event.Message, 0)
	for _, msg := range m.msgs {
		if (msg.SenderID == a && msg.ReceiverID == b) || (msg.SenderID == b && msg.ReceiverID == a) {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, ctx.Err()
}

func (m *MemoryMessages) MarkRead(ctx context.Context, senderID, receiverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.msgs {
		msg := &m.msgs[i]
		if msg.SenderID == senderID && msg.ReceiverID == receiverID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, ctx.Err()
}

// MemoryDirectory is a process-local Directory seeded with Put.
type MemoryDirectory struct {
	mu     sync.RWMutex
	users  map[string]User
	byCode map[string]string
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User), byCode: make(map[string]string)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.users[u.ID]; ok && old.ChatCode != "" {
		delete(d.byCode, old.ChatCode)
	}
	u.Contacts = append([]string(nil), u.Contacts...)
	d.users[u.ID] = u
	if u.ChatCode != "" {
		d.byCode[u.ChatCode] = u.ID
	}
}

func (d *MemoryDirectory) User(ctx context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	u.Contacts = append([]string(nil), u.Contacts...)
	return u, ctx.Err()
}

func (d *MemoryDirectory) PublicKey(ctx context.Context, id string) (string, error) {
	u, err := d.User(ctx, id)
	if err != nil {
		return "", err
	}
	return u.PublicKey, nil
}

func (d *MemoryDirectory) ResolveChatCode(ctx context.Context, code string) (User, error) {
	if code == "" {
		return User{}, fmt.Errorf("chat code required: %w", ErrInvalidArgument)
	}
	d.mu.RLock()
	id, ok := d.byCode[code]
	d.mu.RUnlock()
	if !ok {
		return User{}, fmt.Errorf("chat code: %w", ErrNotFound)
	}
	return d.User(ctx, id)
}

func (d *MemoryDirectory) Connect(ctx context.Context, userID, code string) (User, error) {
	target, err := d.ResolveChatCode(ctx, code)
	if err != nil {
		return User{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	me, ok := d.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err := validateConnect(me, target); err != nil {
		return User{}, err
	}
	me.Contacts = append(me.Contacts, target.ID)
	d.users[userID] = me
	t := d.users[target.ID]
	t.Contacts = append(t.Contacts, userID)
	d.users[target.ID] = t
	target.Contacts = nil
	return target, ctx.Err()
}

func (d *MemoryDirectory) Contacts(ctx context.Context, userID string) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	me, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	out := make([]User, 0, len(me.Contacts))
	for _, id := range me.Contacts {
		if u, ok := d.users[id]; ok {
			u.Contacts = nil
			out = append(out, u)
		}
	}
	return out, ctx.Err()
}
