package session

import (
	"sort"
	"sync"
)

// Registry is the in-memory table of live sessions keyed by id.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Session{}}
}

// Insert adds s and reports false if the id is already present.
func (r *Registry) Insert(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[s.ID]; exists {
		return false
	}
	r.m[s.ID] = s
	return true
}

// InsertIf adds s only when allow accepts the number of active sessions from
// s.Address. The count and the insert happen under one lock, so concurrent
// callers for the same address cannot both slip under a cap.
func (r *Registry) InsertIf(s *Session, allow func(active int) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if allow != nil {
		if err := allow(r.countActiveLocked(s.Address)); err != nil {
			return err
		}
	}
	if _, exists := r.m[s.ID]; exists {
		return ErrDuplicateID
	}
	r.m[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	return s, ok
}

// Remove deletes id and returns the removed session. Only one caller ever
// observes ok == true for a given session.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if ok {
		delete(r.m, id)
	}
	return s, ok
}

// Snapshot returns matching sessions ordered by start time. A nil filter matches all.
func (r *Registry) Snapshot(filter func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.m))
	for _, s := range r.m {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Each calls fn for every matching session outside the registry lock.
func (r *Registry) Each(filter func(*Session) bool, fn func(*Session)) {
	for _, s := range r.Snapshot(filter) {
		fn(s)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Status]int{}
	for _, s := range r.m {
		out[s.Status()]++
	}
	return out
}

// CountActiveByAddress counts connecting or connected sessions from address.
func (r *Registry) CountActiveByAddress(address string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countActiveLocked(address)
}

func (r *Registry) countActiveLocked(address string) int {
	n := 0
	for _, s := range r.m {
		if s.Address != address {
			continue
		}
		if st := s.Status(); st == StatusConnecting || st == StatusConnected {
			n++
		}
	}
	return n
}
