package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prakhar0085/chatapp/internal/auth"
	"github.com/prakhar0085/chatapp/internal/collab"
	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/prakhar0085/chatapp/internal/presence"
	"go.uber.org/zap"
)

// UserHeader carries the caller's id for validators that trust the client.
const UserHeader = "X-User-Id"

const maxBodyBytes = 8 << 20

// Emitter pushes an event to every connection of a user, on any instance.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, name string, payload any) error
}

// APIOptions wires the REST surface to its collaborators.
type APIOptions struct {
	Messages  collab.MessageStore
	Directory collab.Directory
	Replier   collab.Replier
	Presence  presence.Store
	Emitter   Emitter
	Auth      auth.Validator
	BotUserID string
	OpTimeout time.Duration
	Metrics   *hubMetrics
}

// API serves the REST endpoints the web client uses next to the websocket.
type API struct {
	log  *zap.Logger
	opts APIOptions
}

type errorBody struct {
	Error string `json:"error,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

func NewAPI(log *zap.Logger, opts APIOptions) (*API, error) {
	if opts.Messages == nil || opts.Directory == nil || opts.Emitter == nil || opts.Auth == nil {
		return nil, errors.New("api requires messages, directory, emitter and auth")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BotUserID == "" {
		opts.BotUserID = "ai-assistant"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &API{log: log.With(zap.String("component", "rest_api")), opts: opts}, nil
}

// Register mounts the routes on r. /users must be registered before /{id}.
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.authenticate)

	msgs := api.PathPrefix("/messages").Subrouter()
	msgs.HandleFunc("/users", a.instrument("sidebar", a.handleSidebar)).Methods(http.MethodGet)
	msgs.HandleFunc("/connect-code", a.instrument("connect_code", a.handleConnectCode)).Methods(http.MethodPost)
	msgs.HandleFunc("/read/{id}", a.instrument("mark_read", a.handleMarkRead)).Methods(http.MethodPut)
	msgs.HandleFunc("/send/{id}", a.instrument("send", a.handleSend)).Methods(http.MethodPost)
	msgs.HandleFunc("/{id}", a.instrument("conversation", a.handleConversation)).Methods(http.MethodGet)

	api.HandleFunc("/users/online", a.instrument("online", a.handleOnline)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/public-key", a.instrument("public_key", a.handlePublicKey)).Methods(http.MethodGet)

	api.HandleFunc("/ai/chat", a.instrument("ai_chat", a.handleAIChat)).Methods(http.MethodPost)
	api.HandleFunc("/ai/suggestions", a.instrument("ai_suggestions", a.handleSuggestions)).Methods(http.MethodPost)
}

type userKey struct{}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.opts.Auth.Authenticate(r, strings.TrimSpace(r.Header.Get(UserHeader)))
		if err != nil {
			a.opts.Metrics.recordAuthFailure()
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized - " + err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func currentUser(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		a.opts.Metrics.recordAPI(route, rec.status)
	}
}

func (a *API) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.opts.OpTimeout)
}

func (a *API) handleSidebar(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()

	me := currentUser(r)
	users, err := a.opts.Directory.Contacts(ctx, me)
	if err != nil && !errors.Is(err, collab.ErrNotFound) {
		a.internal(w, "sidebar", err)
		return
	}
	if users == nil {
		users = []collab.User{}
	}
	for _, u := range users {
		if u.ID == a.opts.BotUserID {
			writeJSON(w, http.StatusOK, users)
			return
		}
	}
	if bot, err := a.botUser(ctx); err == nil && bot.ID != me {
		users = append(users, bot)
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) botUser(ctx context.Context) (collab.User, error) {
	bot, err := a.opts.Directory.User(ctx, a.opts.BotUserID)
	if errors.Is(err, collab.ErrNotFound) {
		return collab.User{ID: a.opts.BotUserID, FullName: "AI Assistant", ProfilePic: "/ai.png"}, nil
	}
	return bot, err
}

func (a *API) handleConnectCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatCode string `json:"chatCode"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.ChatCode) == "" {
		writeJSON(w, http.StatusBadRequest, messageBody{Message: "Chat Code is required"})
		return
	}
	ctx, cancel := a.ctx(r)
	defer cancel()

	target, err := a.opts.Directory.Connect(ctx, currentUser(r), strings.TrimSpace(body.ChatCode))
	switch {
	case errors.Is(err, collab.ErrNotFound):
		writeJSON(w, http.StatusNotFound, messageBody{Message: "Invalid Chat Code"})
	case errors.Is(err, collab.ErrConflict):
		writeJSON(w, http.StatusBadRequest, messageBody{Message: "User already in contacts"})
	case errors.Is(err, collab.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, messageBody{Message: "You cannot add yourself"})
	case err != nil:
		a.internal(w, "connect code", err)
	default:
		writeJSON(w, http.StatusOK, struct {
			Message string      `json:"message"`
			User    collab.User `json:"user"`
		}{Message: "Connected with " + target.FullName, User: target})
	}
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	senderID := mux.Vars(r)["id"]
	me := currentUser(r)
	ctx, cancel := a.ctx(r)
	defer cancel()

	if _, err := a.opts.Messages.MarkRead(ctx, senderID, me); err != nil {
		a.internal(w, "mark read", err)
		return
	}
	if err := a.opts.Emitter.EmitToUser(ctx, senderID, event.MessagesSeen, event.SeenNotice{SeenBy: me}); err != nil {
		a.log.Warn("emit messagesSeen", zap.String("user_id", senderID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Messages marked as read"})
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()
	msgs, err := a.opts.Messages.ListConversation(ctx, currentUser(r), mux.Vars(r)["id"])
	if err != nil {
		a.internal(w, "conversation", err)
		return
	}
	if msgs == nil {
		msgs = []event.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text  string `json:"text"`
		Image string `json:"image"`
		Audio string `json:"audio"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	ctx, cancel := a.ctx(r)
	defer cancel()

	receiverID := mux.Vars(r)["id"]
	msg, err := a.opts.Messages.Create(ctx, collab.Draft{
		SenderID:   currentUser(r),
		ReceiverID: receiverID,
		Text:       body.Text,
		Image:      body.Image,
		Audio:      body.Audio,
	})
	if errors.Is(err, collab.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "message must have text, image or audio"})
		return
	}
	if err != nil {
		a.internal(w, "send", err)
		return
	}
	if err := a.opts.Emitter.EmitToUser(ctx, receiverID, event.NewMessage, msg); err != nil {
		a.log.Warn("emit newMessage", zap.String("user_id", receiverID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request) {
	if a.opts.Presence == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	ctx, cancel := a.ctx(r)
	defer cancel()
	users, err := a.opts.Presence.ListOnline(ctx)
	if err != nil {
		a.internal(w, "online", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

func (a *API) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.ctx(r)
	defer cancel()
	id := mux.Vars(r)["id"]
	key, err := a.opts.Directory.PublicKey(ctx, id)
	if errors.Is(err, collab.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "user not found"})
		return
	}
	if err != nil {
		a.internal(w, "public key", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserID    string `json:"userId"`
		PublicKey string `json:"publicKey"`
	}{UserID: id, PublicKey: key})
}

func (a *API) handleAIChat(w http.ResponseWriter, r *http.Request) {
	if a.opts.Replier == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "AI replies disabled"})
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text required"})
		return
	}
	me := currentUser(r)
	// The reply service has its own deadline; only persistence uses the op timeout.
	ctx := r.Context()

	if _, err := a.storeWithTimeout(ctx, collab.Draft{SenderID: me, ReceiverID: a.opts.BotUserID, Text: body.Text}); err != nil {
		a.internal(w, "ai chat", err)
		return
	}
	reply := a.opts.Replier.Reply(ctx, body.Text)
	msg, err := a.storeWithTimeout(ctx, collab.Draft{SenderID: a.opts.BotUserID, ReceiverID: me, Text: reply})
	if err != nil {
		a.internal(w, "ai chat", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) storeWithTimeout(ctx context.Context, d collab.Draft) (event.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.OpTimeout)
	defer cancel()
	return a.opts.Messages.Create(ctx, d)
}

func (a *API) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if a.opts.Replier == nil {
		writeJSON(w, http.StatusOK, map[string][]string{"suggestions": collab.DemoSuggestions})
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"suggestions": a.opts.Replier.Suggestions(r.Context(), body.Message),
	})
}

func (a *API) internal(w http.ResponseWriter, op string, err error) {
	a.log.Error("request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal Server Error"})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
