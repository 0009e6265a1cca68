// Package collab holds the services the realtime backbone talks to but does
// not own: message persistence, the user directory and the AI reply service.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/prakhar0085/chatapp/internal/event"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

// User is a directory entry. PublicKey is base64 SPKI and may be empty for
// accounts that never uploaded one.
type User struct {
	ID         string   `json:"_id" bson:"_id"`
	FullName   string   `json:"fullName" bson:"fullName"`
	Email      string   `json:"email,omitempty" bson:"email,omitempty"`
	ProfilePic string   `json:"profilePic,omitempty" bson:"profilePic,omitempty"`
	ChatCode   string   `json:"chatCode,omitempty" bson:"chatCode,omitempty"`
	PublicKey  string   `json:"publicKey,omitempty" bson:"publicKey,omitempty"`
	Contacts   []string `json:"-" bson:"contacts,omitempty"`
}

// Draft is a message about to be persisted. Text is opaque ciphertext or
// legacy plain text.
type Draft struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

func (d Draft) validate() error {
	if d.SenderID == "" || d.ReceiverID == "" {
		return fmt.Errorf("sender and receiver required: %w", ErrInvalidArgument)
	}
	if d.Text == "" && d.Image == "" && d.Audio == "" {
		return fmt.Errorf("message is empty: %w", ErrInvalidArgument)
	}
	return nil
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, d Draft) (event.Message, error)
	// ListConversation returns the messages between a and b in both
	// directions, oldest first.
	ListConversation(ctx context.Context, a, b string) ([]event.Message, error)
	// MarkRead flags unread messages from senderID to receiverID as read and
	// returns how many changed.
	MarkRead(ctx context.Context, senderID, receiverID string) (int, error)
}

// Directory resolves users, their public keys and pairing codes.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	PublicKey(ctx context.Context, id string) (string, error)
	ResolveChatCode(ctx context.Context, code string) (User, error)
	// Connect makes the owner of code and userID mutual contacts.
	Connect(ctx context.Context, userID, code string) (User, error)
	Contacts(ctx context.Context, userID string) ([]User, error)
}

// Replier is the best-effort AI reply service. It never fails; errors and
// missing credentials yield fixed fallback values.
type Replier interface {
	Reply(ctx context.Context, text string) string
	Suggestions(ctx context.Context, message string) []string
}

func validateConnect(me User, target User) error {
	if target.ID == me.ID {
		return fmt.Errorf("you cannot add yourself: %w", ErrInvalidArgument)
	}
	for _, c := range me.Contacts {
		if c == target.ID {
			return fmt.Errorf("user already in contacts: %w", ErrConflict)
		}
	}
	return nil
}
