package realm

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []protocol.Message
	sendErr error
	closed  int
	reasons []string
}

func (f *fakeTransport) Send(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	err := f.sendErr
	if err == nil {
		f.sent = append(f.sent, msg)
	}
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeTransport) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
