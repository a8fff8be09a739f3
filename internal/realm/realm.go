// Package realm holds the per-key client registries and routes signaling
// messages between the clients of one realm.
package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

var (
	// ErrUnsupportedMessageType is returned by HandleMessage for message types
	// the router has no rule for.
	ErrUnsupportedMessageType = errors.New("unsupported message type")

	// ErrRealmFull is returned by AddClient when the concurrent client limit
	// has been reached.
	ErrRealmFull = errors.New("realm has reached its concurrent client limit")
)

type Config struct {
	Key     string
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QueueUndelivered holds messages for absent destinations instead of
	// dropping them. The expired-message sweeper notifies senders when those
	// queues go stale.
	QueueUndelivered bool
}

// Realm is an isolated namespace of clients keyed by an API key.
type Realm struct {
	key              string
	clock            clock.Clock
	log              *slog.Logger
	metrics          *metrics.Metrics
	queueUndelivered bool

	clients     *shardedMap[*Client]
	clientCount atomic.Int64
	queues      *shardedMap[*MessageQueue]
}

func New(cfg Config) *Realm {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Realm{
		key:              cfg.Key,
		clock:            clk,
		log:              logger.With("component", "realm"),
		metrics:          cfg.Metrics,
		queueUndelivered: cfg.QueueUndelivered,
		clients:          newShardedMap[*Client](),
		queues:           newShardedMap[*MessageQueue](),
	}
}

func (r *Realm) Key() string { return r.key }

func (r *Realm) Clock() clock.Clock { return r.clock }

func (r *Realm) Client(id string) (*Client, bool) {
	return r.clients.Load(id)
}

func (r *Realm) ClientIDs() []string {
	return r.clients.Keys()
}

func (r *Realm) ClientCount() int {
	return int(r.clientCount.Load())
}

// AddClient inserts c unless a client with the same id is already registered,
// in which case the registered client is returned with loaded=true. When
// limit is positive and the realm already holds limit clients, ErrRealmFull
// is returned and nothing is inserted.
func (r *Realm) AddClient(c *Client, limit int) (actual *Client, loaded bool, err error) {
	if existing, ok := r.clients.Load(c.ID()); ok {
		return existing, true, nil
	}
	if !r.reserve(limit) {
		return nil, false, ErrRealmFull
	}
	actual, loaded = r.clients.LoadOrStore(c.ID(), c)
	if loaded {
		r.clientCount.Add(-1)
	}
	return actual, loaded, nil
}

func (r *Realm) reserve(limit int) bool {
	for {
		n := r.clientCount.Load()
		if limit > 0 && n >= int64(limit) {
			return false
		}
		if r.clientCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// RemoveClient removes the client registered under id. Removing an absent id
// is a no-op.
func (r *Realm) RemoveClient(id string) bool {
	if _, ok := r.clients.Delete(id); ok {
		r.clientCount.Add(-1)
		return true
	}
	return false
}

// RemoveClientIf removes c only while it is still the client registered under
// its id.
func (r *Realm) RemoveClientIf(c *Client) bool {
	if r.clients.CompareAndDelete(c.ID(), c) {
		r.clientCount.Add(-1)
		return true
	}
	return false
}

// AddMessageToQueue appends msg to the queue for id, creating the queue on
// first use.
func (r *Realm) AddMessageToQueue(id string, msg protocol.Message) {
	now := r.clock.Now()
	r.queues.Compute(id, func(q *MessageQueue, ok bool) *MessageQueue {
		if !ok {
			q = newMessageQueue(now)
		}
		q.add(msg, now)
		return q
	})
}

func (r *Realm) MessageQueue(id string) (*MessageQueue, bool) {
	return r.queues.Load(id)
}

func (r *Realm) ClientIDsWithQueue() []string {
	return r.queues.Keys()
}

func (r *Realm) ClearMessageQueue(id string) {
	r.queues.Delete(id)
}

// HandleMessage routes one message received from client.
//
// Delivery failures are handled inside the realm and never returned; the only
// errors are ErrUnsupportedMessageType and failures replying to client itself.
func (r *Realm) HandleMessage(ctx context.Context, client *Client, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MessageTypeOpen:
		if err := client.Send(ctx, protocol.New(protocol.MessageTypeOpen)); err != nil {
			return fmt.Errorf("reply open: %w", err)
		}
	case protocol.MessageTypeHeartbeat:
		client.SetLastHeartbeat(r.clock.Now())
	case protocol.MessageTypeOffer,
		protocol.MessageTypeAnswer,
		protocol.MessageTypeCandidate,
		protocol.MessageTypeExpire:
		r.transfer(ctx, client, msg, true)
	case protocol.MessageTypeLeave:
		if msg.Destination == "" {
			r.RemoveClient(msg.Source)
			return nil
		}
		r.transfer(ctx, client, msg, true)
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedMessageType, msg.Type)
	}
	return nil
}

// transfer forwards msg to its destination on behalf of sender. When the
// destination's transport fails, the destination is evicted and sender is
// told via a LEAVE from it; that LEAVE is sent with notify=false so a second
// failure does not bounce another LEAVE back.
func (r *Realm) transfer(ctx context.Context, sender *Client, msg protocol.Message, notify bool) {
	msg.Source = sender.ID()

	dst, ok := r.Client(msg.Destination)
	if !ok {
		if r.queueUndelivered && msg.Destination != "" && msg.Queueable() {
			r.AddMessageToQueue(msg.Destination, msg)
			r.metrics.Inc(metrics.MessageQueued)
			return
		}
		r.metrics.Inc(metrics.MessageDropped)
		r.log.Debug("dropped message for absent destination", "type", msg.Type, "src", msg.Source, "dst", msg.Destination)
		return
	}

	err := dst.Send(ctx, msg)
	if err == nil {
		r.metrics.Inc(metrics.MessageForwarded)
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.metrics.Inc(metrics.DeliveryFailed)
	r.log.Debug("delivery failed, evicting destination", "type", msg.Type, "src", msg.Source, "dst", dst.ID(), "err", err)

	if t := dst.Transport(); t != nil {
		_ = t.Close(err.Error())
	} else {
		r.RemoveClientIf(dst)
	}

	if !notify {
		return
	}
	r.metrics.Inc(metrics.LeaveSynthesized)
	r.transfer(ctx, dst, protocol.Message{
		Type:        protocol.MessageTypeLeave,
		Destination: sender.ID(),
	}, false)
}
