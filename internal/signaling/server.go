package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/realm"
)

const (
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultPingInterval      = 20 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

var errRateLimited = errors.New("signaling message rate limit exceeded")

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Realms  *realm.Registry
	Keys    auth.KeyVerifier
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Origins origin.Policy

	// Path is the prefix the PeerJS endpoints are mounted under. Requests
	// outside it are passed to the next handler.
	Path string

	// ConcurrentLimit caps the clients per realm. Zero means unlimited.
	ConcurrentLimit int
	// AllowDiscovery enables the peers listing endpoint.
	AllowDiscovery bool

	// WebSocket inbound hardening.
	MaxMessageBytes   int64
	MessagesPerSecond int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
}

// Server admits PeerJS clients into realms and runs their receive loops.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Realms == nil {
		cfg.Realms = realm.NewRegistry(realm.Config{Clock: cfg.Clock, Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Keys == nil {
		cfg.Keys = auth.AllowAnyKey{}
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "signaling"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origins.Check(r)
			return ok
		},
	}
	return s
}

// Realms returns the realm registry the server admits clients into.
func (s *Server) Realms() *realm.Registry {
	return s.cfg.Realms
}

// RegisterClient admits a connection and runs its receive loop. It returns
// once the connection has terminated and the client has been removed from
// its realm. Rejected connections receive a typed message before being
// closed and yield a nil error.
func (s *Server) RegisterClient(ctx context.Context, creds auth.Credentials, conn Conn) error {
	defer conn.Close("connection closed")

	if !creds.Valid() {
		s.cfg.Metrics.Inc(metrics.AdmissionInvalidParams)
		s.reject(ctx, conn, protocol.NewWithText(protocol.MessageTypeError, protocol.ErrorInvalidWSParameters), protocol.ErrorInvalidWSParameters)
		return nil
	}
	if err := s.cfg.Keys.VerifyKey(creds.Key); err != nil {
		s.cfg.Metrics.Inc(metrics.AdmissionInvalidKey)
		s.reject(ctx, conn, protocol.NewWithText(protocol.MessageTypeError, protocol.ErrorInvalidKey), protocol.ErrorInvalidKey)
		return nil
	}

	rlm := s.cfg.Realms.GetOrCreate(creds.Key)
	client := s.admit(ctx, rlm, creds, conn)
	if client == nil {
		return nil
	}
	log := s.log.With("client_id", client.ID())

	defer func() {
		rlm.RemoveClient(client.ID())
		s.cfg.Metrics.Inc(metrics.ClientDisconnected)
		log.Debug("client disconnected")
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = closeWithCode(conn, websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	err := s.receive(ctx, rlm, client, conn)
	if err != nil && isTimeout(err) {
		log.Debug("client idle timeout")
		return nil
	}
	return err
}

// admit resolves creds against rlm. It returns nil when the connection was
// rejected.
func (s *Server) admit(ctx context.Context, rlm *realm.Realm, creds auth.Credentials, conn Conn) *realm.Client {
	candidate := realm.NewClient(creds.ID, creds.Token, creds.Key, s.cfg.Clock.Now())
	candidate.SetTransport(conn)

	client, loaded, err := rlm.AddClient(candidate, s.cfg.ConcurrentLimit)
	if errors.Is(err, realm.ErrRealmFull) {
		s.cfg.Metrics.Inc(metrics.AdmissionLimitReached)
		s.reject(ctx, conn, protocol.NewWithText(protocol.MessageTypeError, protocol.ErrorConnectionLimitExceed), protocol.ErrorConnectionLimitExceed)
		return nil
	}

	if loaded {
		if !client.TokenMatches(creds.Token) {
			s.cfg.Metrics.Inc(metrics.AdmissionIDTaken)
			s.reject(ctx, conn, protocol.NewWithText(protocol.MessageTypeIDTaken, protocol.ErrorIDTaken), protocol.ErrorInvalidToken)
			return nil
		}
		client.SetTransport(conn)
		s.cfg.Metrics.Inc(metrics.ClientReconnected)
		s.log.Debug("client reconnected", "client_id", client.ID())
		return client
	}

	s.cfg.Metrics.Inc(metrics.ClientConnected)
	s.log.Debug("client connected", "client_id", client.ID())
	if err := client.Send(ctx, protocol.New(protocol.MessageTypeOpen)); err != nil {
		s.log.Debug("failed to send open", "client_id", client.ID(), "err", err)
	}
	return client
}

func (s *Server) reject(ctx context.Context, conn Conn, msg protocol.Message, reason string) {
	_ = conn.Send(ctx, msg)
	_ = closeWithCode(conn, websocket.ClosePolicyViolation, reason)
}

func (s *Server) receive(ctx context.Context, rlm *realm.Realm, client *realm.Client, conn Conn) error {
	var limiter *rate.Limiter
	if n := s.cfg.MessagesPerSecond; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		// Checked after the read so bytes already buffered are consumed and
		// the peer reliably observes the close code.
		if limiter != nil && !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.MessageRateLimited)
			_ = conn.Send(ctx, protocol.NewWithText(protocol.MessageTypeError, "rate limit exceeded"))
			_ = closeWithCode(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return errRateLimited
		}
		if len(data) == 0 {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.MessageDecodeFailed)
			return fmt.Errorf("decode message: %w", err)
		}
		s.cfg.Metrics.Inc(metrics.MessageReceived)

		msg.Source = client.ID()
		if err := rlm.HandleMessage(ctx, client, msg); err != nil {
			if errors.Is(err, realm.ErrUnsupportedMessageType) {
				s.cfg.Metrics.Inc(metrics.UnsupportedMessageType)
				s.log.Warn("dropped unsupported message", "client_id", client.ID(), "type", msg.Type)
				continue
			}
			return err
		}
	}
}
