package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels and may drop events when slow.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types.
const (
	// TypeSessionsChanged fires whenever the registry gains or loses an entry
	// or an entry changes status. Data is SessionCounts.
	TypeSessionsChanged = "sessions.changed"
	// TypeSessionConnected carries SessionConnected.
	TypeSessionConnected = "session.connected"
	// TypeSessionRemoved carries SessionRemoved.
	TypeSessionRemoved = "session.removed"
	// TypeBroadcastDone carries BroadcastDone.
	TypeBroadcastDone = "broadcast.done"
	// TypeLog carries LogLine for the live dashboard feed.
	TypeLog = "log"
)

type SessionCounts struct {
	Active    int // connecting + connected
	Connected int
}

type SessionConnected struct {
	SessionID string
	Phone     string
	Name      string
	Address   string
}

type SessionRemoved struct {
	SessionID string
	Phone     string
	Reason    string
}

type BroadcastDone struct {
	SessionID string
	Phone     string
	Sent      int
	Failed    int
	Err       string
}

type LogLine struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send; each send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
