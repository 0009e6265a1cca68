package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prakhar0085/chatapp/internal/auth"
	"github.com/prakhar0085/chatapp/internal/call"
	"github.com/prakhar0085/chatapp/internal/collab"
	"github.com/prakhar0085/chatapp/internal/config"
	"github.com/prakhar0085/chatapp/internal/mesh"
	"github.com/prakhar0085/chatapp/internal/presence"
	"github.com/prakhar0085/chatapp/internal/registry"
	"github.com/prakhar0085/chatapp/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// Deps are the pieces the node is assembled from. Presence and Bus are built
// by the caller because they depend on the configured broker.
type Deps struct {
	Registry  registry.ConnectionRegistry
	Presence  presence.Store
	Fallback  *presence.Fallback
	Bus       mesh.Bus
	Peers     *mesh.Peers
	Auth      auth.Validator
	Messages  collab.MessageStore
	Directory collab.Directory
	Replier   collab.Replier
	Metrics   *prometheus.Registry
}

// NodeServer hosts the websocket hub, the REST API, the gRPC control plane and
// the admin endpoints of one instance.
type NodeServer struct {
	cfg        config.Config
	log        *zap.Logger
	metricsReg *prometheus.Registry

	router  *router.Router
	tracker *call.Tracker
	hub     *Hub
	api     *API
	handler http.Handler

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// NewNodeServer constructs a server with its dependencies.
func NewNodeServer(cfg config.Config, logger *zap.Logger, deps Deps) (*NodeServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.NewInMemory(cfg.WS.MaxConnections)
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewMemory(cfg.InstanceID)
	}
	if deps.Messages == nil {
		deps.Messages = collab.NewMemoryMessages()
	}
	if deps.Directory == nil {
		deps.Directory = collab.NewMemoryDirectory()
	}
	if deps.Auth == nil {
		return nil, errors.New("handshake validator required")
	}
	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	rt, err := router.New(logger, deps.Registry, deps.Bus, router.Options{
		InstanceID:        cfg.InstanceID,
		Metrics:           router.NewMetrics(reg),
		Peers:             deps.Peers,
		HeartbeatInterval: cfg.Broker.HeartbeatInterval,
		PeerTTL:           cfg.Broker.InstanceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	tracker := call.NewTracker(logger, rt, call.TrackerOptions{
		RingTimeout: cfg.Call.RingTimeout,
		OpTimeout:   cfg.Broker.OpTimeout,
		Metrics:     call.NewMetrics(reg),
	})

	metrics := newHubMetrics(reg)
	hub, err := NewHub(logger, deps.Registry, deps.Presence, rt, tracker, deps.Auth, HubOptions{
		InstanceID:      cfg.InstanceID,
		SendBuffer:      cfg.WS.SendBuffer,
		WriteTimeout:    cfg.WS.WriteTimeout,
		PongTimeout:     cfg.WS.PongTimeout,
		PingInterval:    cfg.WS.PingInterval,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		OpTimeout:       cfg.Broker.OpTimeout,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build hub: %w", err)
	}
	api, err := NewAPI(logger, APIOptions{
		Messages:  deps.Messages,
		Directory: deps.Directory,
		Replier:   deps.Replier,
		Presence:  deps.Presence,
		Emitter:   rt,
		Auth:      deps.Auth,
		BotUserID: cfg.Collab.AI.BotUserID,
		OpTimeout: cfg.Collab.Messages.Timeout,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build api: %w", err)
	}

	s := &NodeServer{
		cfg:        cfg,
		log:        logger,
		metricsReg: reg,
		router:     rt,
		tracker:    tracker,
		hub:        hub,
		api:        api,
	}
	s.grpcServer, s.health = newControlPlane(logger.With(zap.String("component", "control_plane")), cfg.GRPCServer)
	if deps.Fallback != nil {
		setPresenceHealth(s.health, deps.Fallback.Degraded())
		deps.Fallback.OnModeChange(func(degraded bool) {
			setPresenceHealth(s.health, degraded)
		})
	}

	r := mux.NewRouter()
	r.Handle("/ws", hub)
	api.Register(r)
	s.handler = r
	return s, nil
}

// Handler returns the public HTTP handler: /ws plus the REST API.
func (s *NodeServer) Handler() http.Handler {
	return s.handler
}

// Hub exposes the websocket hub.
func (s *NodeServer) Hub() *Hub {
	return s.hub
}

// Router exposes the event router.
func (s *NodeServer) Router() *router.Router {
	return s.router
}

// StartBackground subscribes to presence and the bus without opening any
// listener.
func (s *NodeServer) StartBackground(ctx context.Context) error {
	if err := s.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	return nil
}

// Start boots every listener and blocks until shutdown.
func (s *NodeServer) Start(ctx context.Context) error {
	if err := s.StartBackground(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	s.startAdminServer()
	if err := s.startControlPlane(); err != nil {
		_ = lis.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", s.cfg.HTTPAddress))
	s.ready.Store(true)
	err = s.httpServer.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *NodeServer) startControlPlane() error {
	if s.cfg.GRPCAddress == "" {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddress, err)
	}
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Warn("gRPC server stopped", zap.Error(err))
		}
	}()
	s.log.Info("gRPC server listening", zap.String("address", s.cfg.GRPCAddress))
	return nil
}

func (s *NodeServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.router.Peers().Snapshot())
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *NodeServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not_ready"))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	s.hub.Close()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}
	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
}
