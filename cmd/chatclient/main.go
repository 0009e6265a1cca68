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

	"github.com/prakhar0085/chatapp/internal/client"
	"github.com/prakhar0085/chatapp/internal/config"
	"github.com/prakhar0085/chatapp/internal/envelope"
	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/prakhar0085/chatapp/internal/keystore"
	"github.com/prakhar0085/chatapp/internal/logging"
	"go.uber.org/zap"
)

type clientConfig struct {
	server   string
	user     string
	token    string
	to       string
	message  string
	duration time.Duration
	rotate   bool
}

func main() {
	var cc clientConfig
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.StringVar(&cc.server, "server", "http://127.0.0.1:5001", "Chat server base URL")
	flag.StringVar(&cc.user, "user", "", "User id to connect as")
	flag.StringVar(&cc.token, "token", os.Getenv("CHATAPP_TOKEN"), "Session token (jwt)")
	flag.StringVar(&cc.to, "to", "", "Recipient of -message")
	flag.StringVar(&cc.message, "message", "", "Message to send once connected")
	flag.DurationVar(&cc.duration, "listen", 30*time.Second, "How long to print incoming events; 0 waits for a signal")
	flag.BoolVar(&cc.rotate, "rotate-key", false, "Generate a fresh identity key before connecting")
	flag.Parse()

	if cc.user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, cc, logger); err != nil {
		logger.Fatal("chat client failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, cc clientConfig, log *zap.Logger) error {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return err
	}
	backend := keystore.NewFileBackend(cfg.Keystore.Path)
	if err := openKeystore(ctx, log, backend, passphrase); err != nil {
		return err
	}
	defer backend.Lock()

	identity := keystore.EnsureIdentity
	if cc.rotate {
		identity = keystore.RotateIdentity
	}
	priv, rec, err := identity(ctx, backend, cc.user, envelope.DefaultKeyBits)
	if err != nil {
		return fmt.Errorf("identity for %s: %w", cc.user, err)
	}
	fp, err := envelope.Fingerprint(&priv.PublicKey)
	if err != nil {
		return err
	}
	log.Info("identity ready",
		zap.String("user_id", cc.user),
		zap.Uint32("key_version", rec.KeyVersion),
		zap.String("fingerprint", fp),
	)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, client.Options{
		BaseURL:    cc.server,
		UserID:     cc.user,
		Token:      cc.token,
		PrivateKey: priv,
		Log:        log,
	})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	if cc.to != "" && cc.message != "" {
		msg, err := c.SendMessage(ctx, cc.to, cc.message)
		if err != nil {
			return fmt.Errorf("send to %s: %w", cc.to, err)
		}
		log.Info("message sent", zap.String("message_id", msg.ID), zap.Bool("sealed", envelope.IsEnvelope(msg.Text)))
	}

	var timeout <-chan time.Time
	if cc.duration > 0 {
		timer := time.NewTimer(cc.duration)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			printEvent(c, ev)
		}
	}
}

func openKeystore(ctx context.Context, log *zap.Logger, backend *keystore.FileBackend, passphrase string) error {
	err := backend.Unlock(ctx, passphrase)
	if errors.Is(err, keystore.ErrNotInitialized) {
		if err := backend.Initialize(ctx, passphrase); err != nil {
			return fmt.Errorf("initialize keystore: %w", err)
		}
		log.Info("initialized new keystore", zap.String("path", backend.Path()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("unlock keystore: %w", err)
	}
	return nil
}

func printEvent(c *client.Client, ev event.Event) {
	switch ev.Name {
	case event.NewMessage:
		var msg event.Message
		if err := ev.Bind(&msg); err != nil {
			fmt.Printf("%s: %v\n", ev.Name, err)
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.Kitchen), msg.SenderID, c.Open(msg))
	case event.GetOnlineUsers:
		var users []string
		_ = ev.Bind(&users)
		fmt.Printf("online: %v\n", users)
	default:
		fmt.Printf("%s %s\n", ev.Name, ev.Data)
	}
}
