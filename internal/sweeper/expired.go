package sweeper

import (
	"context"
	"time"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
)

// ExpiredMessageSweeper drops message queues that have seen no activity within
// the expire timeout and tells each still-connected sender that its messages
// expired.
type ExpiredMessageSweeper struct {
	cfg           Config
	expireTimeout time.Duration
}

func NewExpiredMessageSweeper(cfg Config, expireTimeout time.Duration) *ExpiredMessageSweeper {
	if expireTimeout <= 0 {
		expireTimeout = DefaultExpireTimeout
	}
	return &ExpiredMessageSweeper{cfg: cfg.withDefaults("expired_messages"), expireTimeout: expireTimeout}
}

func (s *ExpiredMessageSweeper) Run(ctx context.Context) error {
	return run(ctx, s.cfg.Clock, s.cfg.Interval, func(ctx context.Context) { s.Sweep(ctx) })
}

// Sweep runs a single pass and returns the number of EXPIRE notifications
// dispatched.
func (s *ExpiredMessageSweeper) Sweep(ctx context.Context) int {
	total := 0
	eachRealm(ctx, s.cfg, func(ctx context.Context, r *realm.Realm) error {
		now := s.cfg.Clock.Now()
		seen := make(map[[2]string]struct{})
		for _, id := range r.ClientIDsWithQueue() {
			q, ok := r.MessageQueue(id)
			if !ok || now.Sub(q.LastReadTimestamp()) < s.expireTimeout {
				continue
			}
			total += s.expire(ctx, r, id, q, seen)
		}
		return nil
	})
	return total
}

func (s *ExpiredMessageSweeper) expire(ctx context.Context, r *realm.Realm, id string, q *realm.MessageQueue, seen map[[2]string]struct{}) int {
	defer r.ClearMessageQueue(id)
	s.cfg.Metrics.Inc(metrics.QueueExpired)

	issued := 0
	for _, msg := range q.Messages() {
		pair := [2]string{msg.Source, msg.Destination}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}

		if _, ok := r.Client(msg.Source); !ok {
			continue
		}

		// The unreachable destination is not registered; it only needs an id
		// so the notification reads as coming from it.
		unreachable := realm.NewClient(msg.Destination, "", r.Key(), s.cfg.Clock.Now())
		expire := protocol.Message{Type: protocol.MessageTypeExpire, Destination: msg.Source}
		if err := r.HandleMessage(ctx, unreachable, expire); err != nil {
			s.cfg.Logger.Warn("expire notification failed", "src", msg.Source, "dst", msg.Destination, "err", err)
			continue
		}
		issued++
		s.cfg.Metrics.Inc(metrics.ExpireNotificationIssued)
	}
	return issued
}
