package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prakhar0085/chatapp/internal/auth"
	"github.com/prakhar0085/chatapp/internal/call"
	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/prakhar0085/chatapp/internal/presence"
	"github.com/prakhar0085/chatapp/internal/registry"
	"github.com/prakhar0085/chatapp/internal/router"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 25 * time.Second
)

// HubOptions tunes the websocket endpoint.
type HubOptions struct {
	InstanceID      string
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	OpTimeout       time.Duration
	AllowedOrigins  []string
	Metrics         *hubMetrics
}

func (o *HubOptions) normalize() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 2 * time.Second
	}
}

// Hub accepts websocket connections and turns inbound frames into routed
// events. Each connection gets one reader and one writer goroutine.
type Hub struct {
	log      *zap.Logger
	registry registry.ConnectionRegistry
	presence presence.Store
	router   *router.Router
	tracker  *call.Tracker
	auth     auth.Validator
	metrics  *hubMetrics
	opts     HubOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
	closed   bool

	userMu    sync.Mutex
	userLocks map[string]*userLock
}

// userLock orders the registry change and the presence call that follows it
// for one user, so a reconnect cannot land between a teardown's Unregister
// and its MarkOfflineIfLast.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewHub wires the websocket endpoint. The tracker is registered as a router
// observer so it sees signaling delivered to local connections.
func NewHub(log *zap.Logger, reg registry.ConnectionRegistry, store presence.Store, rt *router.Router, tracker *call.Tracker, validator auth.Validator, opts HubOptions) (*Hub, error) {
	if reg == nil || store == nil || rt == nil {
		return nil, errors.New("hub requires registry, presence store and router")
	}
	if validator == nil {
		return nil, errors.New("hub requires a handshake validator")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.normalize()
	if opts.InstanceID == "" {
		opts.InstanceID = rt.InstanceID()
	}
	h := &Hub{
		log:      log.With(zap.String("component", "ws_hub")),
		registry: reg,
		presence: store,
		router:   rt,
		tracker:  tracker,
		auth:     validator,
		metrics:  opts.Metrics,
		opts:     opts,
		sessions:  make(map[string]*wsSession),
		userLocks: make(map[string]*userLock),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	if tracker != nil {
		rt.Observe(tracker.Observe)
	}
	return h, nil
}

// Start subscribes to presence changes and to the mesh bus. Every change is
// rebroadcast to the connections on this instance as getOnlineUsers.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.presence.Subscribe(ctx, h.onPresence); err != nil {
		return err
	}
	return h.router.Start(ctx)
}

// Close disconnects every session with a going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*wsSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, "server shutting down", "shutdown")
	}
}

// Sessions returns the number of open websocket sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates the handshake, upgrades and runs the session until
// the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claimed := strings.TrimSpace(r.URL.Query().Get("userId"))
	userID, err := h.auth.Authenticate(r, claimed)
	if err != nil {
		h.metrics.recordAuthFailure()
		h.log.Info("handshake rejected", zap.String("user_id", claimed), zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "shutting down"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	start := time.Now()
	session := h.open(conn, userID)
	unlock := h.lockUser(userID)
	if err := h.registry.Register(registry.Connection{
		UserID:     userID,
		ID:         session.id,
		InstanceID: h.opts.InstanceID,
		Sink:       session,
	}); err != nil {
		unlock()
		h.observe("connect", start, err)
		h.log.Warn("register connection", zap.String("user_id", userID), zap.Error(err))
		session.closeWith(websocket.CloseTryAgainLater, "connection limit reached", "capacity")
		h.forget(session)
		return
	}
	h.metrics.incConn()
	defer h.cleanup(session)

	h.markOnline(session)
	unlock()
	h.observe("connect", start, nil)
	h.log.Info("websocket connected", zap.String("user_id", userID), zap.String("conn_id", session.id))

	h.readLoop(session)
}

func (h *Hub) open(conn *websocket.Conn, userID string) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		sendCh: make(chan event.Event, h.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	go h.writer(s)
	return s
}

// markOnline records the user in the shared set and hands the new connection
// the current snapshot. A user that was already online produces no change
// notification, so the snapshot is sent directly.
func (h *Hub) markOnline(s *wsSession) {
	ctx, cancel := context.WithTimeout(s.ctx, h.opts.OpTimeout)
	defer cancel()
	if err := h.presence.MarkOnline(ctx, s.userID); err != nil {
		h.log.Warn("mark online failed", zap.String("user_id", s.userID), zap.Error(err))
	}
	users, err := h.presence.ListOnline(ctx)
	if err != nil {
		h.log.Warn("list online failed", zap.String("user_id", s.userID), zap.Error(err))
		return
	}
	ev, err := event.New(event.GetOnlineUsers, nonNil(users))
	if err != nil {
		return
	}
	_ = s.Deliver(ev)
}

func (h *Hub) readLoop(s *wsSession) {
	if h.opts.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(h.opts.MaxMessageBytes)
	}
	extend := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	}
	_ = extend()
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.setReason("client_closed")
			case s.ctx.Err() != nil:
			default:
				s.setReason("read_error")
				h.log.Debug("websocket read ended", zap.String("conn_id", s.id), zap.Error(err))
			}
			return
		}
		_ = extend()

		start := time.Now()
		ev, err := event.Decode(raw)
		op := "malformed"
		if err == nil {
			op = ev.Name
			err = h.route(s, ev)
		} else {
			err = &protocolError{code: "INVALID_FRAME", msg: "frame must be {\"event\",\"data\"}"}
		}
		h.observe(op, start, err)
		if err == nil {
			continue
		}

		var perr *protocolError
		if !errors.As(err, &perr) {
			h.log.Warn("handle frame", zap.String("conn_id", s.id), zap.String("event", op), zap.Error(err))
			continue
		}
		h.log.Info("frame rejected",
			zap.String("user_id", s.userID),
			zap.String("conn_id", s.id),
			zap.String("event", op),
			zap.String("code", perr.code),
		)
		if perr.fatal {
			return
		}
		if notice, nerr := event.New(event.Error, event.ErrorNotice{Code: perr.code, Message: perr.msg}); nerr == nil {
			_ = s.Deliver(notice)
		}
	}
}

func (h *Hub) route(s *wsSession, ev event.Event) error {
	ctx, cancel := context.WithTimeout(s.ctx, h.opts.OpTimeout)
	defer cancel()

	switch ev.Name {
	case event.Typing, event.StopTyping:
		return h.handleTyping(ctx, s, ev)
	case event.CallUser:
		return h.handleCallUser(ctx, s, ev)
	case event.AnswerCall:
		return h.handleAnswer(ctx, s, ev)
	case event.EndCall:
		return h.handleEndCall(ctx, s, ev)
	default:
		return &protocolError{code: "UNKNOWN_EVENT", msg: "unsupported event " + ev.Name}
	}
}

func (h *Hub) handleTyping(ctx context.Context, s *wsSession, ev event.Event) error {
	var req event.TypingRequest
	if err := ev.Bind(&req); err != nil || req.ReceiverID == "" {
		return invalidPayload(ev.Name, "receiverId required")
	}
	name := event.UserTyping
	if ev.Name == event.StopTyping {
		name = event.UserStoppedTyping
	}
	return h.router.EmitToUser(ctx, req.ReceiverID, name, event.TypingNotice{SenderID: s.userID})
}

func (h *Hub) handleCallUser(ctx context.Context, s *wsSession, ev event.Event) error {
	var req event.CallRequest
	if err := ev.Bind(&req); err != nil || req.UserToCall == "" {
		return invalidPayload(ev.Name, "userToCall required")
	}
	if req.UserToCall == s.userID {
		return invalidPayload(ev.Name, "cannot call yourself")
	}
	if len(req.SignalData) == 0 || string(req.SignalData) == "null" {
		return invalidPayload(ev.Name, "signalData required")
	}
	if h.tracker != nil {
		h.tracker.Offered(s.userID, req.UserToCall, true, false)
	}
	// from is the authenticated user, whatever the client claimed.
	return h.router.EmitToUser(ctx, req.UserToCall, event.CallUser, event.IncomingCall{
		Signal:     req.SignalData,
		From:       s.userID,
		Name:       req.Name,
		ProfilePic: req.ProfilePic,
	})
}

func (h *Hub) handleAnswer(ctx context.Context, s *wsSession, ev event.Event) error {
	var req event.AnswerRequest
	if err := ev.Bind(&req); err != nil || req.To == "" {
		return invalidPayload(ev.Name, "to required")
	}
	if len(req.Signal) == 0 || string(req.Signal) == "null" {
		return invalidPayload(ev.Name, "signal required")
	}
	if h.tracker != nil {
		h.tracker.Answered(s.userID)
	}
	return h.router.EmitToUser(ctx, req.To, event.CallAccepted, json.RawMessage(req.Signal))
}

func (h *Hub) handleEndCall(ctx context.Context, s *wsSession, ev event.Event) error {
	var req event.EndRequest
	if err := ev.Bind(&req); err != nil || req.To == "" {
		return invalidPayload(ev.Name, "to required")
	}
	if req.Reason == "" {
		req.Reason = call.ReasonHangup
	}
	if h.tracker != nil {
		h.tracker.Ended(s.userID, req.To, req.Reason)
	}
	return h.router.EmitToUser(ctx, req.To, event.CallEnded, event.CallEndedNotice{From: s.userID, Reason: req.Reason})
}

func (h *Hub) onPresence(change presence.Change) {
	h.metrics.recordPresence(change.Online)
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.OpTimeout)
	defer cancel()
	if err := h.router.BroadcastLocal(ctx, event.GetOnlineUsers, nonNil(change.Users)); err != nil {
		h.log.Warn("broadcast online users", zap.Uint64("seq", change.Seq), zap.Error(err))
	}
}

func (h *Hub) writer(s *wsSession) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			code, text := s.closeFrame()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(h.opts.WriteTimeout))
			return
		case ev := <-s.sendCh:
			raw, err := ev.Encode()
			if err != nil {
				h.log.Warn("encode frame", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				h.log.Warn("websocket write failed", zap.String("conn_id", s.id), zap.Error(err))
				s.setReason("write_error")
				s.cancel()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				s.setReason("ping_failed")
				s.cancel()
				return
			}
		}
	}
}

func (h *Hub) cleanup(s *wsSession) {
	s.cancel()
	h.forget(s)

	unlock := h.lockUser(s.userID)
	conn, remaining, ok := h.registry.Unregister(s.id)
	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.OpTimeout)
		if _, err := h.presence.MarkOfflineIfLast(ctx, conn.UserID, remaining == 0); err != nil {
			h.log.Warn("mark offline failed", zap.String("user_id", conn.UserID), zap.Error(err))
		}
		cancel()
	}
	unlock()

	if ok && remaining == 0 && h.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.OpTimeout)
		h.tracker.EndForUser(ctx, conn.UserID, call.ReasonDisconnect)
		cancel()
	}

	<-s.done
	reason := s.getReason()
	h.metrics.decConn(reason)
	h.log.Info("websocket disconnected",
		zap.String("user_id", s.userID),
		zap.String("conn_id", s.id),
		zap.String("reason", reason),
		zap.Int("remaining", remaining),
	)
}

func (h *Hub) lockUser(userID string) (unlock func()) {
	h.userMu.Lock()
	l, ok := h.userLocks[userID]
	if !ok {
		l = &userLock{}
		h.userLocks[userID] = l
	}
	l.refs++
	h.userMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.userMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.userLocks, userID)
		}
		h.userMu.Unlock()
	}
}

func (h *Hub) forget(s *wsSession) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

func (h *Hub) observe(op string, start time.Time, err error) {
	h.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		code := "internal"
		var perr *protocolError
		if errors.As(err, &perr) && perr.code != "" {
			code = perr.code
		}
		h.metrics.recordError(code)
	}
}

// wsSession is one accepted websocket. It is the registry Sink for the
// connection: Deliver enqueues without blocking and a full queue closes the
// session.
type wsSession struct {
	id     string
	userID string
	conn   *websocket.Conn
	sendCh chan event.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	reason    string
	closeCode int
	closeText string
}

func (s *wsSession) Deliver(ev event.Event) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	select {
	case s.sendCh <- ev:
		return nil
	default:
		s.closeWith(websocket.ClosePolicyViolation, "slow consumer", "backpressure")
		return &protocolError{code: "BACKPRESSURE", msg: "connection send buffer full", fatal: true}
	}
}

func (s *wsSession) closeWith(code int, text, reason string) {
	s.mu.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeText = text
	}
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *wsSession) closeFrame() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeText
}

func (s *wsSession) setReason(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *wsSession) getReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return "closed"
	}
	return s.reason
}

type protocolError struct {
	code  string
	msg   string
	fatal bool
}

func (e *protocolError) Error() string {
	return e.code + ": " + e.msg
}

func invalidPayload(name, msg string) error {
	return &protocolError{code: "INVALID_PAYLOAD", msg: name + ": " + msg}
}

func nonNil(users []string) []string {
	if users == nil {
		return []string{}
	}
	return users
}
