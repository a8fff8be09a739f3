package realm

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

// ErrNoTransport is returned when sending to a client whose transport has not
// been attached.
var ErrNoTransport = errors.New("client has no transport")

// Transport is the message-framed duplex channel attached to a client.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	// Close terminates the channel. It must be safe to call more than once.
	Close(reason string) error
}

// Client is a registered peer identity within a realm.
type Client struct {
	id       string
	token    string
	realmKey string

	lastHeartbeat atomic.Int64

	mu        sync.RWMutex
	transport Transport
}

func NewClient(id, token, realmKey string, now time.Time) *Client {
	c := &Client{id: id, token: token, realmKey: realmKey}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string       { return c.id }
func (c *Client) RealmKey() string { return c.realmKey }

// TokenMatches compares token against the client's session secret in
// constant time.
func (c *Client) TokenMatches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(c.token), []byte(token)) == 1
}

func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Client) SetLastHeartbeat(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

func (c *Client) Transport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// SetTransport attaches t and returns the transport it replaced. The previous
// transport is not closed.
func (c *Client) SetTransport(t Transport) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.transport
	c.transport = t
	return prev
}

func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	t := c.Transport()
	if t == nil {
		return ErrNoTransport
	}
	return t.Send(ctx, msg)
}
