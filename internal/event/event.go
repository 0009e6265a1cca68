// Package event defines the realtime wire vocabulary shared by the server,
// the router and the Go client.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outbound event names (server to client).
const (
	NewMessage        = "newMessage"
	UserTyping        = "userTyping"
	UserStoppedTyping = "userStoppedTyping"
	MessagesSeen      = "messagesSeen"
	GetOnlineUsers    = "getOnlineUsers"
	CallUser          = "callUser"
	CallAccepted      = "callAccepted"
	CallEnded         = "callEnded"
	Error             = "error"
)

// Inbound event names (client to server). CallUser is shared by both directions.
const (
	Typing     = "typing"
	StopTyping = "stopTyping"
	AnswerCall = "answerCall"
	EndCall    = "endCall"
)

var ErrMalformed = errors.New("malformed event")

// Event is the wire frame: {"event": "<name>", "data": <json>}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New marshals payload into an Event.
func New(name string, payload any) (Event, error) {
	if name == "" {
		return Event{}, fmt.Errorf("event name required: %w", ErrMalformed)
	}
	if payload == nil {
		return Event{Name: name}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Name: name, Data: raw}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Data: raw}, nil
}

// Decode parses a wire frame.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode frame: %w", ErrMalformed)
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("frame without event name: %w", ErrMalformed)
	}
	return ev, nil
}

// Encode serializes the frame for the socket.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Bind unmarshals the payload into dst.
func (e Event) Bind(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload: %w", e.Name, ErrMalformed)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%s: %w", e.Name, ErrMalformed)
	}
	return nil
}

// TypingRequest is the inbound typing/stopTyping payload.
type TypingRequest struct {
	ReceiverID string `json:"receiverId"`
}

// TypingNotice is the outbound userTyping/userStoppedTyping payload.
type TypingNotice struct {
	SenderID string `json:"senderId"`
}

// CallRequest is the inbound callUser payload.
type CallRequest struct {
	UserToCall string          `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       string          `json:"from"`
	Name       string          `json:"name,omitempty"`
	ProfilePic string          `json:"profilePic,omitempty"`
}

// IncomingCall is the outbound callUser payload delivered to the callee.
type IncomingCall struct {
	Signal     json.RawMessage `json:"signal"`
	From       string          `json:"from"`
	Name       string          `json:"name,omitempty"`
	ProfilePic string          `json:"profilePic,omitempty"`
}

// AnswerRequest is the inbound answerCall payload. The outbound callAccepted
// payload is the bare signal.
type AnswerRequest struct {
	To     string          `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// EndRequest is the inbound endCall payload.
type EndRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// CallEndedNotice is the outbound callEnded payload.
type CallEndedNotice struct {
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// SeenNotice is the outbound messagesSeen payload.
type SeenNotice struct {
	SeenBy string `json:"seenBy"`
}

// ErrorNotice is sent back to a client whose frame was rejected.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the persisted chat message as pushed with newMessage. Text holds
// a serialized envelope or legacy plain text; the server never inspects it.
type Message struct {
	ID         string    `json:"_id" bson:"_id"`
	SenderID   string    `json:"senderId" bson:"senderId"`
	ReceiverID string    `json:"receiverId" bson:"receiverId"`
	Text       string    `json:"text,omitempty" bson:"text,omitempty"`
	Image      string    `json:"image,omitempty" bson:"image,omitempty"`
	Audio      string    `json:"audio,omitempty" bson:"audio,omitempty"`
	IsRead     bool      `json:"isRead" bson:"isRead"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
}
