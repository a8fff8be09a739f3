package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/sweeper"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-peerjs-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"path", cfg.Path,
		"realm_keys", len(cfg.Keys),
		"alive_timeout", cfg.AliveTimeout,
		"expire_timeout", cfg.ExpireTimeout,
		"concurrent_limit", cfg.ConcurrentLimit,
		"allow_discovery", cfg.AllowDiscovery,
		"queue_undelivered_messages", cfg.QueueUndeliveredMessages,
	)
	logStartupSecurityWarnings(logger, cfg)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /webrtc/ice and /readyz will report it", "err", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, ln); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	m := metrics.New()
	realms := realm.NewRegistry(realm.Config{
		Clock:            clk,
		Logger:           logger,
		Metrics:          m,
		QueueUndelivered: cfg.QueueUndeliveredMessages,
	})
	m.GaugeFunc("realms", "Number of realms created since startup.", func() float64 {
		return float64(realms.Len())
	})
	m.GaugeFunc("clients", "Number of clients currently registered across all realms.", func() float64 {
		return float64(realms.ClientCount())
	})

	sig := signaling.NewServer(signaling.Config{
		Realms:            realms,
		Keys:              auth.NewKeyVerifier(cfg.Keys),
		Clock:             clk,
		Logger:            logger,
		Metrics:           m,
		Origins:           origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		Path:              cfg.Path,
		ConcurrentLimit:   cfg.ConcurrentLimit,
		AllowDiscovery:    cfg.AllowDiscovery,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:      cfg.SignalingWSPingInterval,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))
	srv.Mux().Handle("/", sig.Handler(http.NotFoundHandler()))

	sweepCfg := sweeper.Config{Registry: realms, Clock: clk, Logger: logger, Metrics: m}
	zombieCfg := sweepCfg
	zombieCfg.Interval = cfg.ZombieSweepInterval
	expireCfg := sweepCfg
	expireCfg.Interval = cfg.ExpireSweepInterval

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx, ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.NewZombieSweeper(zombieCfg, cfg.AliveTimeout).Run(gctx)
	})
	g.Go(func() error {
		return sweeper.NewExpiredMessageSweeper(expireCfg, cfg.ExpireTimeout).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
