package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prakhar0085/chatapp/internal/auth"
	"github.com/prakhar0085/chatapp/internal/collab"
	"github.com/prakhar0085/chatapp/internal/config"
	"github.com/prakhar0085/chatapp/internal/logging"
	"github.com/prakhar0085/chatapp/internal/mesh"
	"github.com/prakhar0085/chatapp/internal/presence"
	"github.com/prakhar0085/chatapp/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	validator, err := buildAuth(cfg)
	if err != nil {
		logger.Fatal("auth unavailable", zap.Error(err))
	}

	b, err := connectBroker(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal("connect broker", zap.Error(err), zap.String("driver", cfg.Broker.Driver))
	}
	defer b.close()

	c, err := buildCollab(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("connect collaborators", zap.Error(err))
	}
	defer c.close()

	srv, err := server.NewNodeServer(cfg, logger, server.Deps{
		Presence:  b.presence,
		Fallback:  b.fallback,
		Bus:       b.bus,
		Peers:     b.peers,
		Auth:      validator,
		Messages:  c.messages,
		Directory: c.directory,
		Replier:   c.replier,
		Metrics:   reg,
	})
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func buildAuth(cfg config.Config) (auth.Validator, error) {
	if cfg.Auth.Mode == "insecure" {
		return auth.Insecure{}, nil
	}
	secret, err := cfg.JWTSecret()
	if err != nil {
		return nil, err
	}
	return auth.NewJWT([]byte(secret))
}

// broker holds the presence store and event bus of the configured driver.
type broker struct {
	presence presence.Store
	fallback *presence.Fallback
	bus      mesh.Bus
	peers    *mesh.Peers
	closers  []func() error
}

func (b *broker) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// runner is a broker store with a heartbeat/sweep loop.
type runner interface {
	presence.Store
	Run(ctx context.Context) error
}

func connectBroker(ctx context.Context, cfg config.Config, log *zap.Logger, reg prometheus.Registerer) (*broker, error) {
	presenceMetrics := presence.NewMetrics(reg)
	meshMetrics := mesh.NewMetrics(reg)
	peers, err := mesh.NewPeers(cfg.InstanceID, meshMetrics)
	if err != nil {
		return nil, err
	}
	b := &broker{peers: peers}

	var store runner
	switch cfg.Broker.Driver {
	case "none":
		b.presence = presence.NewMemory(cfg.InstanceID)
		b.bus = mesh.NewLocalBus(mesh.NewLocalHub(), cfg.Broker.BusBuffer, meshMetrics)
		b.closers = append(b.closers, b.bus.Close)
		log.Warn("no broker configured; presence and routing are local to this instance")
		return b, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.Broker.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, client.Close)
		store, err = presence.NewRedis(client, presence.RedisOptions{
			Prefix:            cfg.Broker.Prefix,
			InstanceID:        cfg.InstanceID,
			OpTimeout:         cfg.Broker.OpTimeout,
			HeartbeatInterval: cfg.Broker.HeartbeatInterval,
			InstanceTTL:       cfg.Broker.InstanceTTL,
		}, log, presenceMetrics)
		if err != nil {
			b.close()
			return nil, err
		}
		b.bus = mesh.NewRedisBus(client, cfg.Broker.Prefix, cfg.Broker.OpTimeout, log, meshMetrics)

	case "nats":
		nc, err := nats.Connect(cfg.Broker.NATSURL,
			nats.Name("chatapp-"+cfg.InstanceID),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.closers = append(b.closers, func() error { nc.Close(); return nil })
		store, err = presence.NewNATS(nc, presence.NATSOptions{
			Prefix:            cfg.Broker.Prefix,
			InstanceID:        cfg.InstanceID,
			OpTimeout:         cfg.Broker.OpTimeout,
			HeartbeatInterval: cfg.Broker.HeartbeatInterval,
			InstanceTTL:       cfg.Broker.InstanceTTL,
		}, log, presenceMetrics)
		if err != nil {
			b.close()
			return nil, err
		}
		b.bus = mesh.NewNATSBus(nc, cfg.Broker.Prefix, log, meshMetrics)

	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}

	b.closers = append(b.closers, b.bus.Close, store.Close)
	go func() {
		if err := store.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("presence maintenance stopped", zap.Error(err))
		}
	}()
	b.fallback = presence.NewFallback(store, presence.NewMemory(cfg.InstanceID), cfg.Broker.OpTimeout, log, presenceMetrics)
	b.presence = b.fallback
	return b, nil
}

// collaborators are the message store, user directory and AI replier.
type collaborators struct {
	messages  collab.MessageStore
	directory collab.Directory
	replier   collab.Replier
	mongo     map[string]*mongo.Client
}

func (c *collaborators) close() {
	for _, client := range c.mongo {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = client.Disconnect(ctx)
		cancel()
	}
}

func buildCollab(ctx context.Context, cfg config.Config, log *zap.Logger) (*collaborators, error) {
	c := &collaborators{mongo: map[string]*mongo.Client{}}
	mongoDB := func(sc config.StoreConfig) (*mongo.Database, error) {
		client, ok := c.mongo[sc.URL]
		if !ok {
			var err error
			client, err = collab.ConnectMongo(ctx, sc.URL, sc.Timeout)
			if err != nil {
				return nil, err
			}
			c.mongo[sc.URL] = client
		}
		return client.Database(sc.Database), nil
	}

	msgs := cfg.Collab.Messages
	switch msgs.Driver {
	case "http":
		store, err := collab.NewHTTPMessages(msgs.URL, msgs.Token(), msgs.Timeout)
		if err != nil {
			return nil, err
		}
		c.messages = store
	case "mongo":
		db, err := mongoDB(msgs)
		if err != nil {
			c.close()
			return nil, err
		}
		c.messages = collab.NewMongoMessages(db.Collection("messages"))
	default:
		c.messages = collab.NewMemoryMessages()
	}

	dir := cfg.Collab.Directory
	switch dir.Driver {
	case "http":
		d, err := collab.NewHTTPDirectory(dir.URL, dir.Token(), dir.Timeout)
		if err != nil {
			c.close()
			return nil, err
		}
		c.directory = d
	case "mongo":
		db, err := mongoDB(dir)
		if err != nil {
			c.close()
			return nil, err
		}
		c.directory = collab.NewMongoDirectory(db.Collection("users"))
	default:
		c.directory = collab.NewMemoryDirectory()
	}

	if key := cfg.AIKey(); key != "" {
		replier, err := collab.NewAIReplier(log, collab.AIOptions{
			BaseURL: cfg.Collab.AI.BaseURL,
			APIKey:  key,
			Model:   cfg.Collab.AI.Model,
			Timeout: cfg.Collab.AI.Timeout,
		})
		if err != nil {
			c.close()
			return nil, err
		}
		c.replier = replier
	} else {
		log.Info("ai key not set; suggestions run in demo mode", zap.String("env", cfg.Collab.AI.APIKeyEnv))
	}
	return c, nil
}
