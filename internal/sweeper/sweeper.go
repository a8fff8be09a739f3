// Package sweeper runs the periodic maintenance passes over every realm:
// evicting clients whose heartbeat went stale and expiring queued messages
// that were never delivered.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
)

const (
	DefaultInterval      = 300 * time.Second
	DefaultAliveTimeout  = 60 * time.Second
	DefaultExpireTimeout = 300 * time.Second
)

// Config is shared by both sweepers.
type Config struct {
	Registry *realm.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Interval between passes. The first pass runs immediately.
	Interval time.Duration
}

func (c Config) withDefaults(name string) Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "sweeper", "sweeper", name)
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// run calls sweep immediately and then once per interval until ctx is done.
func run(ctx context.Context, clk clock.Clock, interval time.Duration, sweep func(context.Context)) error {
	for {
		sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
	}
}

// eachRealm calls fn for every realm, recovering panics so one bad realm
// cannot stop the pass over the others.
func eachRealm(ctx context.Context, cfg Config, fn func(context.Context, *realm.Realm) error) {
	for _, r := range cfg.Registry.Realms() {
		if ctx.Err() != nil {
			return
		}
		if err := guard(ctx, r, fn); err != nil {
			cfg.Metrics.Inc(metrics.SweepFailed)
			cfg.Logger.Error("sweep failed", "realm_clients", r.ClientCount(), "err", err)
		}
	}
}

func guard(ctx context.Context, r *realm.Realm, fn func(context.Context, *realm.Realm) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx, r)
}
