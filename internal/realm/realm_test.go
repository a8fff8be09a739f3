package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

func newTestRealm(t *testing.T) (*Realm, *clock.Mock, *metrics.Metrics) {
	t.Helper()
	clk := clock.NewMock()
	m := metrics.New()
	return New(Config{Key: "k", Clock: clk, Metrics: m}), clk, m
}

func addClient(t *testing.T, r *Realm, id string) (*Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := NewClient(id, "token-"+id, r.Key(), r.Clock().Now())
	c.SetTransport(tr)
	actual, loaded, err := r.AddClient(c, 0)
	require.NoError(t, err)
	require.False(t, loaded)
	require.Same(t, c, actual)
	return c, tr
}

func TestRealm_AddClientKeepsExisting(t *testing.T) {
	r, _, _ := newTestRealm(t)
	first, _ := addClient(t, r, "A")

	second := NewClient("A", "other", r.Key(), time.Now())
	actual, loaded, err := r.AddClient(second, 0)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Same(t, first, actual)
	assert.Equal(t, 1, r.ClientCount())
}

func TestRealm_ConcurrentAddYieldsDistinctIDs(t *testing.T) {
	r, clk, _ := newTestRealm(t)

	var wg sync.WaitGroup
	winners := make(chan *Client, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("peer-%d", i%8)
			c := NewClient(id, "t", r.Key(), clk.Now())
			if _, loaded, err := r.AddClient(c, 0); err == nil && !loaded {
				winners <- c
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	seen := map[string]bool{}
	for c := range winners {
		require.False(t, seen[c.ID()], "id %s admitted twice", c.ID())
		seen[c.ID()] = true
	}
	assert.Len(t, seen, 8)
	assert.Equal(t, 8, r.ClientCount())
	assert.ElementsMatch(t, r.ClientIDs(), []string{"peer-0", "peer-1", "peer-2", "peer-3", "peer-4", "peer-5", "peer-6", "peer-7"})
}

func TestRealm_AddClientLimit(t *testing.T) {
	r, clk, _ := newTestRealm(t)
	_, _, err := r.AddClient(NewClient("A", "t", "k", clk.Now()), 1)
	require.NoError(t, err)

	_, _, err = r.AddClient(NewClient("B", "t", "k", clk.Now()), 1)
	require.ErrorIs(t, err, ErrRealmFull)

	// An existing id is still resolved when the realm is full.
	actual, loaded, err := r.AddClient(NewClient("A", "t", "k", clk.Now()), 1)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "A", actual.ID())

	require.True(t, r.RemoveClient("A"))
	_, _, err = r.AddClient(NewClient("B", "t", "k", clk.Now()), 1)
	require.NoError(t, err)
}

func TestRealm_RemoveClientIdempotent(t *testing.T) {
	r, _, _ := newTestRealm(t)
	addClient(t, r, "A")

	assert.True(t, r.RemoveClient("A"))
	assert.False(t, r.RemoveClient("A"))
	assert.False(t, r.RemoveClient("never-existed"))
	assert.Equal(t, 0, r.ClientCount())
}

func TestRealm_RemoveClientIfOnlyRemovesSameClient(t *testing.T) {
	r, clk, _ := newTestRealm(t)
	old := NewClient("A", "t", "k", clk.Now())
	addClient(t, r, "A")

	assert.False(t, r.RemoveClientIf(old))
	_, ok := r.Client("A")
	assert.True(t, ok)
}

func TestRealm_TransferRewritesSource(t *testing.T) {
	r, _, m := newTestRealm(t)
	a, _ := addClient(t, r, "A")
	_, trB := addClient(t, r, "B")

	payload := json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`)
	err := r.HandleMessage(context.Background(), a, protocol.Message{
		Type:        protocol.MessageTypeOffer,
		Source:      "spoofed",
		Destination: "B",
		Payload:     payload,
	})
	require.NoError(t, err)

	sent := trB.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MessageTypeOffer, sent[0].Type)
	assert.Equal(t, "A", sent[0].Source)
	assert.Equal(t, "B", sent[0].Destination)
	assert.JSONEq(t, string(payload), string(sent[0].Payload))
	assert.Equal(t, uint64(1), m.Get(metrics.MessageForwarded))
}

func TestRealm_TransferToAbsentDestinationDrops(t *testing.T) {
	r, _, m := newTestRealm(t)
	a, trA := addClient(t, r, "A")

	for _, typ := range []protocol.MessageType{
		protocol.MessageTypeOffer,
		protocol.MessageTypeAnswer,
		protocol.MessageTypeCandidate,
		protocol.MessageTypeExpire,
		protocol.MessageTypeLeave,
	} {
		err := r.HandleMessage(context.Background(), a, protocol.Message{Type: typ, Destination: "ghost"})
		require.NoError(t, err)
	}

	assert.Empty(t, trA.Sent())
	assert.Empty(t, r.ClientIDsWithQueue())
	assert.Equal(t, uint64(5), m.Get(metrics.MessageDropped))
	assert.Equal(t, 1, r.ClientCount())
}

func TestRealm_QueueUndelivered(t *testing.T) {
	clk := clock.NewMock()
	r := New(Config{Key: "k", Clock: clk, QueueUndelivered: true})
	a, _ := addClient(t, r, "A")

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeOffer, Destination: "B"}))
	clk.Add(time.Second)
	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeCandidate, Destination: "B"}))
	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeLeave, Destination: "B"}))

	q, ok := r.MessageQueue("B")
	require.True(t, ok)
	msgs := q.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].Source)
	assert.Equal(t, protocol.MessageTypeCandidate, msgs[1].Type)
	assert.Equal(t, clk.Now(), q.LastReadTimestamp())

	r.ClearMessageQueue("B")
	_, ok = r.MessageQueue("B")
	assert.False(t, ok)
}

func TestRealm_DeliveryFailureClosesDestinationAndNotifiesSender(t *testing.T) {
	r, _, m := newTestRealm(t)
	a, trA := addClient(t, r, "A")
	_, trB := addClient(t, r, "B")
	trB.sendErr = errors.New("broken pipe")

	err := r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeOffer, Destination: "B"})
	require.NoError(t, err)

	assert.Equal(t, 1, trB.Closed())
	sent := trA.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.Message{Type: protocol.MessageTypeLeave, Source: "B", Destination: "A"}, sent[0])
	assert.Equal(t, uint64(1), m.Get(metrics.DeliveryFailed))
	assert.Equal(t, uint64(1), m.Get(metrics.LeaveSynthesized))
}

func TestRealm_DeliveryFailureWithoutTransportRemovesDestination(t *testing.T) {
	r, clk, _ := newTestRealm(t)
	a, trA := addClient(t, r, "A")
	b := NewClient("B", "t", "k", clk.Now())
	_, _, err := r.AddClient(b, 0)
	require.NoError(t, err)

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeAnswer, Destination: "B"}))

	_, ok := r.Client("B")
	assert.False(t, ok)
	require.Len(t, trA.Sent(), 1)
	assert.Equal(t, protocol.MessageTypeLeave, trA.Sent()[0].Type)
}

func TestRealm_SynthesizedLeaveDoesNotCascade(t *testing.T) {
	r, _, m := newTestRealm(t)
	a, trA := addClient(t, r, "A")
	_, trB := addClient(t, r, "B")
	trA.sendErr = errors.New("a broken")
	trB.sendErr = errors.New("b broken")

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeOffer, Destination: "B"}))

	assert.Equal(t, 1, trB.Closed())
	assert.Equal(t, 1, trA.Closed())
	assert.Equal(t, uint64(2), m.Get(metrics.DeliveryFailed))
	assert.Equal(t, uint64(1), m.Get(metrics.LeaveSynthesized))
}

func TestRealm_DeliveryFailureAfterCancelIsIgnored(t *testing.T) {
	r, _, _ := newTestRealm(t)
	a, trA := addClient(t, r, "A")
	_, trB := addClient(t, r, "B")
	trB.sendErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.HandleMessage(ctx, a, protocol.Message{Type: protocol.MessageTypeOffer, Destination: "B"}))

	assert.Zero(t, trB.Closed())
	assert.Empty(t, trA.Sent())
}

func TestRealm_HeartbeatUpdatesTimestamp(t *testing.T) {
	r, clk, _ := newTestRealm(t)
	a, trA := addClient(t, r, "A")
	start := a.LastHeartbeat()

	clk.Add(45 * time.Second)
	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.New(protocol.MessageTypeHeartbeat)))

	assert.Equal(t, start.Add(45*time.Second), a.LastHeartbeat())
	assert.Empty(t, trA.Sent())
}

func TestRealm_OpenReplies(t *testing.T) {
	r, _, _ := newTestRealm(t)
	a, trA := addClient(t, r, "A")

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.New(protocol.MessageTypeOpen)))
	assert.Equal(t, []protocol.Message{protocol.New(protocol.MessageTypeOpen)}, trA.Sent())
}

func TestRealm_LeaveWithoutDestinationRemovesSender(t *testing.T) {
	r, _, _ := newTestRealm(t)
	a, _ := addClient(t, r, "A")
	addClient(t, r, "B")

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeLeave, Source: "A"}))

	_, ok := r.Client("A")
	assert.False(t, ok)
	_, ok = r.Client("B")
	assert.True(t, ok)
}

func TestRealm_LeaveWithDestinationIsForwarded(t *testing.T) {
	r, _, _ := newTestRealm(t)
	a, _ := addClient(t, r, "A")
	_, trB := addClient(t, r, "B")

	require.NoError(t, r.HandleMessage(context.Background(), a, protocol.Message{Type: protocol.MessageTypeLeave, Destination: "B"}))
	assert.Equal(t, []protocol.Message{{Type: protocol.MessageTypeLeave, Source: "A", Destination: "B"}}, trB.Sent())
}

func TestRealm_UnsupportedMessageType(t *testing.T) {
	r, _, _ := newTestRealm(t)
	a, _ := addClient(t, r, "A")

	for _, typ := range []protocol.MessageType{protocol.MessageTypeError, protocol.MessageTypeIDTaken, "BOGUS"} {
		err := r.HandleMessage(context.Background(), a, protocol.Message{Type: typ, Destination: "A"})
		require.ErrorIs(t, err, ErrUnsupportedMessageType)
	}
}

func TestClient_TransportSwap(t *testing.T) {
	c := NewClient("A", "secret", "k", time.Unix(100, 0))
	assert.True(t, c.TokenMatches("secret"))
	assert.False(t, c.TokenMatches("secreT"))
	assert.False(t, c.TokenMatches(""))

	require.ErrorIs(t, c.Send(context.Background(), protocol.New(protocol.MessageTypeOpen)), ErrNoTransport)

	first := &fakeTransport{}
	second := &fakeTransport{}
	assert.Nil(t, c.SetTransport(first))
	assert.Same(t, first, c.SetTransport(second))
	assert.Zero(t, first.Closed())
	assert.Equal(t, time.Unix(100, 0), c.LastHeartbeat())
}
