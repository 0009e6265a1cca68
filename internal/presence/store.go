// Package presence maintains the cluster-wide set of online users.
//
// A user is online while at least one connection for that user exists on any
// instance. Stores publish the materialized online set after every
// online/offline transition; followers replace their view with it instead of
// replaying connect and disconnect events.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	ErrInvalidUser = errors.New("user id is required")
	ErrClosed      = errors.New("presence store closed")
)

// Change is published after a user goes online or offline. Users is the full
// online set at Seq.
type Change struct {
	Seq    uint64   `json:"seq"`
	UserID string   `json:"userId"`
	Online bool     `json:"online"`
	Users  []string `json:"users"`
	Origin string   `json:"origin,omitempty"`
}

// Store is the presence contract shared by the in-process and broker-backed
// implementations.
type Store interface {
	MarkOnline(ctx context.Context, userID string) error
	// MarkOfflineIfLast is called when a connection closes. isLastLocalConnection
	// is true when this instance holds no other connection for the user; only
	// then is the user considered for removal. The result reports whether the
	// user is still online anywhere.
	MarkOfflineIfLast(ctx context.Context, userID string, isLastLocalConnection bool) (bool, error)
	ListOnline(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context, fn func(Change)) error
	Close() error
}

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	return nil
}

func sortedCopy(users []string) []string {
	out := append([]string(nil), users...)
	sort.Strings(out)
	return out
}
