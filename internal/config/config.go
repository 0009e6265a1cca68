package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the node runtime parameters.
type Config struct {
	HTTPAddress         string           `mapstructure:"http_address"`
	GRPCAddress         string           `mapstructure:"grpc_address"`
	LogLevel            string           `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration    `mapstructure:"shutdown_grace_period"`
	InstanceID          string           `mapstructure:"instance_id"`
	Admin               AdminConfig      `mapstructure:"admin"`
	GRPCServer          GRPCServerConfig `mapstructure:"grpc_server"`
	WS                  WSConfig         `mapstructure:"ws"`
	Broker              BrokerConfig     `mapstructure:"broker"`
	Call                CallConfig       `mapstructure:"call"`
	Auth                AuthConfig       `mapstructure:"auth"`
	Collab              CollabConfig     `mapstructure:"collab"`
	Keystore            KeystoreConfig   `mapstructure:"keystore"`
}

// AdminConfig serves metrics and health checks.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// GRPCServerConfig tunes the control plane listener.
type GRPCServerConfig struct {
	KeepaliveTime     time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	MaxConnectionIdle time.Duration `mapstructure:"max_connection_idle"`
	MaxRecvMsgSize    int           `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize    int           `mapstructure:"max_send_msg_size"`
}

// WSConfig tunes websocket connections.
type WSConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxConnections  int           `mapstructure:"max_connections"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// BrokerConfig selects the shared broker used for presence and the event bus.
type BrokerConfig struct {
	Driver            string        `mapstructure:"driver"`
	RedisURL          string        `mapstructure:"redis_url"`
	NATSURL           string        `mapstructure:"nats_url"`
	Prefix            string        `mapstructure:"prefix"`
	OpTimeout         time.Duration `mapstructure:"op_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	InstanceTTL       time.Duration `mapstructure:"instance_ttl"`
	BusBuffer         int           `mapstructure:"bus_buffer"`
}

// CallConfig holds the server-side call policy.
type CallConfig struct {
	// RingTimeout of zero leaves ringing calls to the clients.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

// AuthConfig selects the handshake validator.
type AuthConfig struct {
	Mode         string `mapstructure:"mode"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
}

// CollabConfig points at the external collaborators.
type CollabConfig struct {
	Messages  StoreConfig `mapstructure:"messages"`
	Directory StoreConfig `mapstructure:"directory"`
	AI        AIConfig    `mapstructure:"ai"`
}

// StoreConfig describes one collaborator backend: memory, http or mongo.
type StoreConfig struct {
	Driver   string        `mapstructure:"driver"`
	URL      string        `mapstructure:"url"`
	Database string        `mapstructure:"database"`
	TokenEnv string        `mapstructure:"token_env"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AIConfig configures the OpenAI-compatible reply service.
type AIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BotUserID string        `mapstructure:"bot_user_id"`
}

// KeystoreConfig describes the client identity keystore.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultHTTPAddress         = "0.0.0.0:5001"
	defaultGRPCAddress         = "0.0.0.0:50051"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
	defaultMaxConnectionIdle   = 5 * time.Minute
	defaultMaxMsgSize          = 4 << 20
	defaultSendBuffer          = 64
	defaultWriteTimeout        = 10 * time.Second
	defaultPongTimeout         = 60 * time.Second
	defaultPingInterval        = 25 * time.Second
	defaultMaxMessageBytes     = 1 << 20
	defaultBrokerDriver        = "none"
	defaultBrokerPrefix        = "chatapp"
	defaultOpTimeout           = 2 * time.Second
	defaultHeartbeatInterval   = 10 * time.Second
	defaultInstanceTTL         = 30 * time.Second
	defaultBusBuffer           = 256
	defaultAuthMode            = "jwt"
	defaultJWTSecretEnv        = "JWT_SECRET"
	defaultCollabDriver        = "memory"
	defaultCollabTimeout       = 5 * time.Second
	defaultMongoDatabase       = "chatapp"
	defaultAIKeyEnv            = "GROQ_API_KEY"
	defaultAITimeout           = 20 * time.Second
	defaultBotUserID           = "ai-assistant"
	defaultPassphraseEnv       = "CHATAPP_KEYSTORE_PASSPHRASE"
	defaultKeystorePath        = "data/keystore.json"
)

var durationDefaults = map[string]time.Duration{
	"shutdown_grace_period":           defaultShutdownGracePeriod,
	"admin.read_header_timeout":       defaultReadHeaderTimeout,
	"grpc_server.keepalive_time":      defaultKeepaliveTime,
	"grpc_server.keepalive_timeout":   defaultKeepaliveTimeout,
	"grpc_server.max_connection_idle": defaultMaxConnectionIdle,
	"ws.write_timeout":                defaultWriteTimeout,
	"ws.pong_timeout":                 defaultPongTimeout,
	"ws.ping_interval":                defaultPingInterval,
	"broker.op_timeout":               defaultOpTimeout,
	"broker.heartbeat_interval":       defaultHeartbeatInterval,
	"broker.instance_ttl":             defaultInstanceTTL,
	"call.ring_timeout":               0,
	"collab.messages.timeout":         defaultCollabTimeout,
	"collab.directory.timeout":        defaultCollabTimeout,
	"collab.ai.timeout":               defaultAITimeout,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CHATAPP_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATAPP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("grpc_address", defaultGRPCAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("instance_id", "")
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("grpc_server.max_recv_msg_size", defaultMaxMsgSize)
	v.SetDefault("grpc_server.max_send_msg_size", defaultMaxMsgSize)
	v.SetDefault("ws.send_buffer", defaultSendBuffer)
	v.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
	v.SetDefault("ws.max_connections", 0)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("broker.driver", defaultBrokerDriver)
	v.SetDefault("broker.redis_url", "")
	v.SetDefault("broker.nats_url", "")
	v.SetDefault("broker.prefix", defaultBrokerPrefix)
	v.SetDefault("broker.bus_buffer", defaultBusBuffer)
	v.SetDefault("auth.mode", defaultAuthMode)
	v.SetDefault("auth.jwt_secret_env", defaultJWTSecretEnv)
	for _, section := range []string{"collab.messages", "collab.directory"} {
		v.SetDefault(section+".driver", defaultCollabDriver)
		v.SetDefault(section+".url", "")
		v.SetDefault(section+".database", defaultMongoDatabase)
		v.SetDefault(section+".token_env", "")
	}
	v.SetDefault("collab.ai.base_url", "")
	v.SetDefault("collab.ai.model", "")
	v.SetDefault("collab.ai.api_key_env", defaultAIKeyEnv)
	v.SetDefault("collab.ai.bot_user_id", defaultBotUserID)
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	for key, def := range durationDefaults {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := map[string]*time.Duration{
		"shutdown_grace_period":           &cfg.ShutdownGracePeriod,
		"admin.read_header_timeout":       &cfg.Admin.ReadHeaderTimeout,
		"grpc_server.keepalive_time":      &cfg.GRPCServer.KeepaliveTime,
		"grpc_server.keepalive_timeout":   &cfg.GRPCServer.KeepaliveTimeout,
		"grpc_server.max_connection_idle": &cfg.GRPCServer.MaxConnectionIdle,
		"ws.write_timeout":                &cfg.WS.WriteTimeout,
		"ws.pong_timeout":                 &cfg.WS.PongTimeout,
		"ws.ping_interval":                &cfg.WS.PingInterval,
		"broker.op_timeout":               &cfg.Broker.OpTimeout,
		"broker.heartbeat_interval":       &cfg.Broker.HeartbeatInterval,
		"broker.instance_ttl":             &cfg.Broker.InstanceTTL,
		"call.ring_timeout":               &cfg.Call.RingTimeout,
		"collab.messages.timeout":         &cfg.Collab.Messages.Timeout,
		"collab.directory.timeout":        &cfg.Collab.Directory.Timeout,
		"collab.ai.timeout":               &cfg.Collab.AI.Timeout,
	}
	for key, dst := range durations {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if dur < 0 {
			return Config{}, fmt.Errorf("invalid %s: negative duration", key)
		}
		*dst = dur
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.HTTPAddress == "" {
		c.HTTPAddress = defaultHTTPAddress
	}
	if c.GRPCAddress == "" {
		c.GRPCAddress = defaultGRPCAddress
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = defaultSendBuffer
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.WS.PingInterval >= c.WS.PongTimeout {
		return fmt.Errorf("ws.ping_interval %s must be shorter than ws.pong_timeout %s", c.WS.PingInterval, c.WS.PongTimeout)
	}
	if c.Broker.BusBuffer <= 0 {
		c.Broker.BusBuffer = defaultBusBuffer
	}
	if c.Broker.Prefix == "" {
		c.Broker.Prefix = defaultBrokerPrefix
	}

	c.Broker.Driver = strings.ToLower(strings.TrimSpace(c.Broker.Driver))
	switch c.Broker.Driver {
	case "", "none":
		c.Broker.Driver = "none"
	case "redis":
		if c.Broker.RedisURL == "" {
			return fmt.Errorf("broker.redis_url is required for the redis driver")
		}
	case "nats":
		if c.Broker.NATSURL == "" {
			return fmt.Errorf("broker.nats_url is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown broker.driver %q", c.Broker.Driver)
	}
	if c.Broker.Driver != "none" && c.Broker.InstanceTTL <= c.Broker.HeartbeatInterval {
		return fmt.Errorf("broker.instance_ttl %s must exceed broker.heartbeat_interval %s", c.Broker.InstanceTTL, c.Broker.HeartbeatInterval)
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	switch c.Auth.Mode {
	case "jwt", "insecure":
	case "":
		c.Auth.Mode = defaultAuthMode
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Auth.JWTSecretEnv == "" {
		c.Auth.JWTSecretEnv = defaultJWTSecretEnv
	}

	for name, sc := range map[string]*StoreConfig{"messages": &c.Collab.Messages, "directory": &c.Collab.Directory} {
		sc.Driver = strings.ToLower(strings.TrimSpace(sc.Driver))
		switch sc.Driver {
		case "", "memory":
			sc.Driver = "memory"
		case "http", "mongo":
			if sc.URL == "" {
				return fmt.Errorf("collab.%s.url is required for the %s driver", name, sc.Driver)
			}
		default:
			return fmt.Errorf("unknown collab.%s.driver %q", name, sc.Driver)
		}
		if sc.Database == "" {
			sc.Database = defaultMongoDatabase
		}
	}
	if c.Collab.AI.APIKeyEnv == "" {
		c.Collab.AI.APIKeyEnv = defaultAIKeyEnv
	}

	if c.Keystore.PassphraseEnv == "" {
		c.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if c.Keystore.Path == "" {
		c.Keystore.Path = defaultKeystorePath
	}
	return nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	return requiredEnv(env, "keystore passphrase")
}

// JWTSecret fetches the token signing secret.
func (c Config) JWTSecret() (string, error) {
	env := c.Auth.JWTSecretEnv
	if env == "" {
		env = defaultJWTSecretEnv
	}
	return requiredEnv(env, "jwt secret")
}

// AIKey returns the AI service key; empty selects demo mode.
func (c Config) AIKey() string {
	return strings.TrimSpace(getenv(c.Collab.AI.APIKeyEnv))
}

// Token returns the service token of a collaborator, if one is configured.
func (s StoreConfig) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(getenv(s.TokenEnv))
}

func requiredEnv(env, what string) (string, error) {
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("%s env %s is empty", what, env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
