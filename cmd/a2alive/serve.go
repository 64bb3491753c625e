package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/a2alive/internal/config"
	"github.com/ehrlich-b/a2alive/internal/engine"
	"github.com/ehrlich-b/a2alive/internal/fanout"
	"github.com/ehrlich-b/a2alive/internal/logger"
	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
	"github.com/ehrlich-b/a2alive/internal/responder"
	"github.com/ehrlich-b/a2alive/internal/server"
	"github.com/ehrlich-b/a2alive/internal/session"
)

func serveCmd() *cobra.Command {
	var configFlag string
	var addrFlag string
	var echoFlag bool
	var upgradeRate float64
	var upgradeBurst int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the responder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if echoFlag {
				cfg.Responder.Mode = "echo"
			}

			closer, err := logger.Init(cfg.Logging.Level, cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, server.NewRateLimiter(upgradeRate, upgradeBurst))
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "path to a2alive.yaml")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&echoFlag, "echo", false, "reply by echoing instead of running the agent CLI")
	cmd.Flags().Float64Var(&upgradeRate, "upgrade-rate", 5, "WebSocket upgrades per second per client IP")
	cmd.Flags().IntVar(&upgradeBurst, "upgrade-burst", 20, "burst allowance for upgrades per client IP")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, upgrades *server.RateLimiter) error {
	log := logger.Component("serve")

	store := session.NewStore()
	store.TTL = cfg.SessionTTL()

	gen, err := newGenerator(cfg, log)
	if err != nil {
		return err
	}

	var policy engine.Policy = engine.AutoAccept
	if len(cfg.Auth.AllowInitiators) > 0 {
		policy = engine.AllowInitiators(cfg.Auth.AllowInitiators...)
	}

	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	var forward engine.Forwarder
	if bus != nil {
		defer bus.Close()
		forward = bus
	}

	codec := protocol.NewCodec(cfg.Protocol.Secret)
	if !codec.Signing() {
		log.Warn("no shared secret configured, frames are not signed")
	}

	eng := engine.New(engine.Options{
		AgentURI:      cfg.Protocol.AgentURI,
		Codec:         codec,
		Store:         store,
		Generator:     gen,
		Policy:        policy,
		Approval:      regexp.MustCompile(cfg.Approval.Pattern),
		ApprovalLabel: cfg.Approval.Label,
		ReplayWait:    cfg.ReplayWait(),
		Forward:       forward,
		Logger:        logger.Component("engine"),
	})

	var jwtSecret []byte
	if cfg.Auth.JWTSecret != "" {
		jwtSecret = []byte(cfg.Auth.JWTSecret)
	}
	srv := server.New(server.Options{
		Engine:       eng,
		Path:         cfg.Server.Path,
		PublicURL:    cfg.Server.PublicURL,
		ReadLimit:    cfg.Server.ReadLimit,
		FrameRate:    cfg.Server.Rate,
		FrameBurst:   cfg.Server.Burst,
		UpgradeLimit: upgrades,
		JWTSecret:    jwtSecret,
		Logger:       logger.Component("server"),
	})

	log.Info("a2alive starting",
		"agent", cfg.Protocol.AgentURI, "responder", cfg.Responder.Mode, "fanout", cfg.Fanout.Driver)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(ctx, cfg.Server.Addr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if bus != nil {
		g.Go(func() error {
			err := bus.Run(ctx, func(ctx context.Context, f protocol.Frame) {
				eng.Redeliver(ctx, f)
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, fanout.ErrClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		sweep(ctx, store, upgrades, cfg.SweepInterval(), log)
		return nil
	})
	return g.Wait()
}

func newGenerator(cfg *config.Config, log *slog.Logger) (responder.Generator, error) {
	if cfg.Responder.Mode == "echo" {
		return responder.Echo{AgentURI: cfg.Protocol.AgentURI}, nil
	}
	c := responder.NewCommand(cfg.Responder.Command, cfg.Responder.Agent)
	if cfg.Responder.Prompt != "" {
		c.Prompt = cfg.Responder.Prompt
	}
	if err := c.Health(); err != nil {
		// The fallback reply still answers every message.
		log.Warn("agent CLI unavailable", "err", err)
	}
	fb := responder.WithFallback(c, cfg.ResponderTimeout())
	fb.Logger = logger.Component("responder")
	if cfg.Responder.Fallback != "" {
		fb.Failed = cfg.Responder.Fallback
	}
	return fb, nil
}

// newBus returns nil when fanout is off. MemoryHub links engines inside one
// process only and is not offered here.
func newBus(ctx context.Context, cfg *config.Config) (fanout.Bus, error) {
	nodeID := cfg.Fanout.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	if cfg.Fanout.Driver != "redis" {
		return nil, nil
	}
	bus, err := fanout.NewRedisBus(ctx, cfg.Fanout.RedisURL, cfg.Fanout.Channel, nodeID)
	if err != nil {
		return nil, fmt.Errorf("connect fanout: %w", err)
	}
	return bus, nil
}

// sweep drops expired sessions and idle upgrade limiters until ctx is done.
func sweep(ctx context.Context, store *session.Store, upgrades *server.RateLimiter, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := store.Sweep(now); n > 0 {
				metrics.SessionsSwept.Add(float64(n))
				log.Info("swept expired sessions", "count", n)
			}
			metrics.SessionsLive.Set(float64(store.Len()))
			if upgrades != nil {
				upgrades.Evict(now.Add(-10 * time.Minute))
			}
		}
	}
}
