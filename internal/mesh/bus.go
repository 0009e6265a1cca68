// Package mesh carries events between chat instances. Every instance publishes
// to and subscribes from one shared channel; receivers keep the frames
// addressed to users they host and ignore their own.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame kinds.
const (
	KindEvent     = "event"
	KindHeartbeat = "heartbeat"
)

var ErrBusClosed = errors.New("mesh bus closed")

// Frame is one cross-instance message. Payload is the already-encoded event
// data; the bus never inspects it.
type Frame struct {
	Kind    string          `json:"kind"`
	Origin  string          `json:"origin"`
	UserID  string          `json:"userId,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Bus is the cross-instance transport. Publish must not block on slow
// subscribers. Handlers run on the bus goroutine and must return quickly.
type Bus interface {
	Publish(ctx context.Context, frame Frame) error
	Subscribe(ctx context.Context, fn func(Frame)) error
	Close() error
}

func encodeFrame(frame Frame) ([]byte, error) {
	if frame.Kind == "" {
		frame.Kind = KindEvent
	}
	if frame.SentAt.IsZero() {
		frame.SentAt = time.Now().UTC()
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return raw, nil
}

func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Origin == "" {
		return Frame{}, errors.New("frame without origin")
	}
	if frame.Kind == "" {
		frame.Kind = KindEvent
	}
	return frame, nil
}
