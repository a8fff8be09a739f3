package realm

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/peerjs-signaling/internal/protocol"
)

// MessageQueue holds messages for a destination that was not connected when
// they were sent.
type MessageQueue struct {
	mu       sync.Mutex
	messages []protocol.Message
	lastRead time.Time
}

func newMessageQueue(now time.Time) *MessageQueue {
	return &MessageQueue{lastRead: now}
}

func (q *MessageQueue) add(msg protocol.Message, now time.Time) {
	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.lastRead = now
	q.mu.Unlock()
}

// Messages returns a copy of the queued messages in arrival order.
func (q *MessageQueue) Messages() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// LastReadTimestamp is the time of the last activity on the queue.
func (q *MessageQueue) LastReadTimestamp() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastRead
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
