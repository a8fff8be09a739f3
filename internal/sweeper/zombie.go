package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
)

// ZombieSweeper evicts clients that have not sent a heartbeat within the
// alive timeout.
type ZombieSweeper struct {
	cfg          Config
	aliveTimeout time.Duration
}

func NewZombieSweeper(cfg Config, aliveTimeout time.Duration) *ZombieSweeper {
	if aliveTimeout <= 0 {
		aliveTimeout = DefaultAliveTimeout
	}
	return &ZombieSweeper{cfg: cfg.withDefaults("zombie"), aliveTimeout: aliveTimeout}
}

func (s *ZombieSweeper) Run(ctx context.Context) error {
	return run(ctx, s.cfg.Clock, s.cfg.Interval, func(ctx context.Context) { s.Sweep(ctx) })
}

// Sweep runs a single pass and returns the number of evicted clients.
func (s *ZombieSweeper) Sweep(ctx context.Context) int {
	total := 0
	eachRealm(ctx, s.cfg, func(_ context.Context, r *realm.Realm) error {
		now := s.cfg.Clock.Now()
		for _, id := range r.ClientIDs() {
			c, ok := r.Client(id)
			if !ok {
				continue
			}
			age := now.Sub(c.LastHeartbeat())
			if age < s.aliveTimeout {
				continue
			}
			total++
			s.evict(r, c, age)
		}
		return nil
	})
	if total > 0 {
		s.cfg.Logger.Info("pruned zombie connections", "count", total)
	}
	return total
}

func (s *ZombieSweeper) evict(r *realm.Realm, c *realm.Client, age time.Duration) {
	defer func() {
		r.ClearMessageQueue(c.ID())
		if r.RemoveClientIf(c) {
			s.cfg.Metrics.Inc(metrics.ZombieEvicted)
		}
	}()
	if t := c.Transport(); t != nil {
		_ = t.Close(fmt.Sprintf("zombie connection, time since last heartbeat: %ds", int64(age/time.Second)))
	}
}
