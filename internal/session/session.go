package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pairgate/internal/identity"
)

// Status only moves forward: connecting -> connected -> terminated, or
// connecting -> terminated.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is one in-flight or active identity connection.
type Session struct {
	ID        string
	Phone     string
	Address   string
	StartedAt time.Time

	status        atomic.Int32
	broadcastDone atomic.Bool

	mu          sync.RWMutex
	client      identity.Client
	displayName string
	connectedAt time.Time
	requester   Requester
}

func newSession(phone, address string, now time.Time, req Requester) *Session {
	return &Session{
		ID:        newID(phone, now),
		Phone:     phone,
		Address:   address,
		StartedAt: now,
		requester: req,
	}
}

// newID derives the id from phone and creation time; the random suffix keeps
// two requests in the same millisecond apart.
func newID(phone string, now time.Time) string {
	return fmt.Sprintf("s_%s_%d_%s", phone, now.UnixMilli(), uuid.NewString()[:8])
}

func (s *Session) Status() Status { return Status(s.status.Load()) }

// advance performs a single compare-and-swap transition.
func (s *Session) advance(from, to Status) bool {
	return s.status.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) markTerminated() { s.status.Store(int32(StatusTerminated)) }

// claimBroadcast sets broadcastDone; only the first caller gets true.
func (s *Session) claimBroadcast() bool { return s.broadcastDone.CompareAndSwap(false, true) }

func (s *Session) BroadcastDone() bool { return s.broadcastDone.Load() }

// attachClient stores c unless the session already terminated.
func (s *Session) attachClient(c identity.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status() == StatusTerminated {
		return false
	}
	s.client = c
	return true
}

// detachClient hands the client to the caller for closing; later calls get nil.
func (s *Session) detachClient() identity.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.client
	s.client = nil
	return c
}

func (s *Session) Client() identity.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) setConnected(name string, at time.Time) {
	s.mu.Lock()
	s.displayName = name
	s.connectedAt = at
	s.mu.Unlock()
}

func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) Requester() Requester {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requester
}

// Info is the admin view of a session.
type Info struct {
	ID            string     `json:"id"`
	Phone         string     `json:"phone"`
	Name          string     `json:"name,omitempty"`
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	BroadcastDone bool       `json:"broadcastDone"`
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := Info{
		ID:            s.ID,
		Phone:         s.Phone,
		Name:          s.displayName,
		Address:       s.Address,
		Status:        s.Status().String(),
		StartedAt:     s.StartedAt,
		BroadcastDone: s.BroadcastDone(),
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		info.ConnectedAt = &at
	}
	return info
}
