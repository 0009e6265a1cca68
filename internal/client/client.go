// Package client is a Go client for the chat backbone: one websocket for
// realtime events plus the REST calls for messages. Message text is sealed
// with the envelope codec before it leaves the process.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prakhar0085/chatapp/internal/auth"
	"github.com/prakhar0085/chatapp/internal/envelope"
	"github.com/prakhar0085/chatapp/internal/event"
	"go.uber.org/zap"
)

// TypingDebounce is how long after the last keystroke stopTyping is sent.
const TypingDebounce = 2 * time.Second

var ErrClosed = errors.New("client closed")

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:5001.
	BaseURL string
	UserID  string
	// Token is sent as the jwt cookie and as a bearer token.
	Token string
	// PrivateKey opens envelopes addressed to this user; its public half is
	// used as the sender key so the user can re-read sent messages.
	PrivateKey *rsa.PrivateKey

	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	EventBuffer    int
	WriteTimeout   time.Duration
	TypingDebounce time.Duration
	Log            *zap.Logger
}

// Client holds one websocket session and the REST client that goes with it.
type Client struct {
	opts      Options
	log       *zap.Logger
	base      *url.URL
	http      *http.Client
	conn      *websocket.Conn
	publicKey string

	writeMu sync.Mutex
	events  chan event.Event
	closing chan struct{}
	done    chan struct{}
	errMu   sync.Mutex
	err     error
	once    sync.Once

	typingMu sync.Mutex
	typing   map[string]*time.Timer
}

// Dial opens the websocket as opts.UserID. The handshake is authenticated
// before the upgrade; a rejection surfaces as an error carrying the status.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = TypingDebounce
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	var publicKey string
	if opts.PrivateKey != nil {
		publicKey, err = envelope.EncodePublicKey(&opts.PrivateKey.PublicKey)
		if err != nil {
			return nil, err
		}
	}

	ws := *base
	switch base.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path = base.Path + "/ws"
	ws.RawQuery = url.Values{"userId": {opts.UserID}}.Encode()

	conn, resp, err := opts.Dialer.DialContext(ctx, ws.String(), authHeader(opts.Token))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", ws.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", ws.Redacted(), err)
	}

	c := &Client{
		opts:      opts,
		log:       opts.Log.With(zap.String("user_id", opts.UserID)),
		base:      base,
		http:      opts.HTTPClient,
		conn:      conn,
		publicKey: publicKey,
		events:    make(chan event.Event, opts.EventBuffer),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		typing:    make(map[string]*time.Timer),
	}
	go c.readLoop()
	return c, nil
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
		h.Set("Cookie", (&http.Cookie{Name: auth.CookieName, Value: token}).String())
	}
	return h
}

// UserID returns the id the client connected as.
func (c *Client) UserID() string { return c.opts.UserID }

// PublicKey returns the base64 SPKI key derived from the private key, if any.
func (c *Client) PublicKey() string { return c.publicKey }

// Events delivers inbound frames in arrival order. It is closed when the
// socket ends; Err then reports why.
func (c *Client) Events() <-chan event.Event { return c.events }

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Emit sends one frame. It satisfies call.Transport.
func (c *Client) Emit(ctx context.Context, name string, payload any) error {
	ev, err := event.New(name, payload)
	if err != nil {
		return err
	}
	raw, err := ev.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

// Close sends a normal close frame and releases the socket.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.typingMu.Lock()
		for _, t := range c.typing {
			t.Stop()
		}
		c.typing = map[string]*time.Timer{}
		c.typingMu.Unlock()
		close(c.closing)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		ev, err := event.Decode(raw)
		if err != nil {
			c.log.Warn("drop malformed frame", zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

// Typing reports a keystroke in the conversation with to. The first call
// sends typing; stopTyping follows once no keystroke arrived for the debounce
// window.
func (c *Client) Typing(ctx context.Context, to string) error {
	c.typingMu.Lock()
	t, active := c.typing[to]
	if active {
		t.Reset(c.opts.TypingDebounce)
		c.typingMu.Unlock()
		return nil
	}
	c.typing[to] = time.AfterFunc(c.opts.TypingDebounce, func() {
		c.typingMu.Lock()
		delete(c.typing, to)
		c.typingMu.Unlock()
		if err := c.Emit(context.Background(), event.StopTyping, event.TypingRequest{ReceiverID: to}); err != nil {
			c.log.Debug("stop typing", zap.String("receiver_id", to), zap.Error(err))
		}
	})
	c.typingMu.Unlock()
	return c.Emit(ctx, event.Typing, event.TypingRequest{ReceiverID: to})
}

// SendMessage seals text for the recipient and posts it. A recipient without
// a published key receives the plain text.
func (c *Client) SendMessage(ctx context.Context, to, text string) (event.Message, error) {
	key, err := c.PeerKey(ctx, to)
	if err != nil {
		return event.Message{}, err
	}
	body, err := envelope.Encrypt(key, text, c.publicKey)
	if err != nil {
		return event.Message{}, fmt.Errorf("seal message: %w", err)
	}
	var msg event.Message
	err = c.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(to), map[string]string{"text": body}, &msg)
	return msg, err
}

// PeerKey fetches the recipient's published public key; empty means none.
func (c *Client) PeerKey(ctx context.Context, userID string) (string, error) {
	var out struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/public-key", nil, &out); err != nil {
		return "", err
	}
	return out.PublicKey, nil
}

// History returns the conversation with peer, oldest first.
func (c *Client) History(ctx context.Context, peer string) ([]event.Message, error) {
	var out []event.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peer), nil, &out)
	return out, err
}

// MarkRead flags peer's messages as read; peer is told with messagesSeen.
func (c *Client) MarkRead(ctx context.Context, peer string) error {
	return c.do(ctx, http.MethodPut, "/api/messages/read/"+url.PathEscape(peer), nil, nil)
}

// Online returns the cluster-wide online set.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/api/users/online", nil, &out)
	return out, err
}

// Open returns the readable text of a message: envelopes are opened with the
// private key, legacy plain text passes through.
func (c *Client) Open(msg event.Message) string {
	return envelope.Decrypt(c.opts.PrivateKey, msg.Text)
}

// StatusError is a non-2xx REST response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-Id", c.opts.UserID)
	for k, v := range authHeader(c.opts.Token) {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
