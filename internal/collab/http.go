package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prakhar0085/chatapp/internal/event"
)

const maxResponseBytes = 4 << 20

// httpClient is a small JSON-over-HTTP helper shared by the remote
// collaborators.
type httpClient struct {
	base   string
	token  string
	client *http.Client
}

func newHTTPClient(base, token string, timeout time.Duration) (httpClient, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return httpClient{}, fmt.Errorf("invalid base url %q: %w", base, ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return httpClient{base: u.String(), token: token, client: &http.Client{Timeout: timeout}}, nil
}

func (c httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(method, path, resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(method, path string, code int, body []byte) error {
	var msg struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &msg)
	detail := msg.Message
	if detail == "" {
		detail = msg.Error
	}
	if detail == "" {
		detail = http.StatusText(code)
	}
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, ErrNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%s: %w", detail, ErrInvalidArgument)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", detail, ErrConflict)
	default:
		return fmt.Errorf("%s %s: status %d: %s", method, path, code, detail)
	}
}

// HTTPMessages is a MessageStore backed by a remote message service.
type HTTPMessages struct {
	c httpClient
}

func NewHTTPMessages(base, token string, timeout time.Duration) (*HTTPMessages, error) {
	c, err := newHTTPClient(base, token, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPMessages{c: c}, nil
}

func (h *HTTPMessages) Create(ctx context.Context, d Draft) (event.Message, error) {
	if err := d.validate(); err != nil {
		return event.Message{}, err
	}
	var msg event.Message
	if err := h.c.do(ctx, http.MethodPost, "/messages", d, &msg); err != nil {
		return event.Message{}, err
	}
	return msg, nil
}

func (h *HTTPMessages) ListConversation(ctx context.Context, a, b string) ([]event.Message, error) {
	q := url.Values{"a": {a}, "b": {b}}
	out := make([]event.Message, 0)
	if err := h.c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTPMessages) MarkRead(ctx context.Context, senderID, receiverID string) (int, error) {
	var res struct {
		Modified int `json:"modified"`
	}
	body := map[string]string{"senderId": senderID, "receiverId": receiverID}
	if err := h.c.do(ctx, http.MethodPut, "/messages/read", body, &res); err != nil {
		return 0, err
	}
	return res.Modified, nil
}

// HTTPDirectory is a Directory backed by a remote account service.
type HTTPDirectory struct {
	c httpClient
}

func NewHTTPDirectory(base, token string, timeout time.Duration) (*HTTPDirectory, error) {
	c, err := newHTTPClient(base, token, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPDirectory{c: c}, nil
}

func (h *HTTPDirectory) User(ctx context.Context, id string) (User, error) {
	var u User
	err := h.c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &u)
	return u, err
}

func (h *HTTPDirectory) PublicKey(ctx context.Context, id string) (string, error) {
	u, err := h.User(ctx, id)
	if err != nil {
		return "", err
	}
	return u.PublicKey, nil
}

func (h *HTTPDirectory) ResolveChatCode(ctx context.Context, code string) (User, error) {
	if code == "" {
		return User{}, fmt.Errorf("chat code required: %w", ErrInvalidArgument)
	}
	var u User
	err := h.c.do(ctx, http.MethodGet, "/users/by-code/"+url.PathEscape(code), nil, &u)
	return u, err
}

func (h *HTTPDirectory) Connect(ctx context.Context, userID, code string) (User, error) {
	if code == "" {
		return User{}, fmt.Errorf("chat code required: %w", ErrInvalidArgument)
	}
	var u User
	err := h.c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/contacts", map[string]string{"chatCode": code}, &u)
	return u, err
}

func (h *HTTPDirectory) Contacts(ctx context.Context, userID string) ([]User, error) {
	out := make([]User, 0)
	if err := h.c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/contacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
