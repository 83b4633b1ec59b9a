package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. It is the default when
// storage is disabled and the store used by package tests elsewhere.
type memoryStore struct {
	mu          sync.Mutex
	closed      bool
	connections []ConnectionRecord
	logs        []LogRecord
	logCount    int64
	settings    []byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{}
}

func (s *memoryStore) InsertConnection(_ context.Context, rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec.ConnectedAt = stamp(rec.ConnectedAt)
	s.connections = append(s.connections, rec)
	return nil
}

func (s *memoryStore) AppendLog(_ context.Context, rec LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec.CreatedAt = stamp(rec.CreatedAt)
	s.logs = append(s.logs, rec)
	if len(s.logs) > recentLogsCap {
		s.logs = s.logs[len(s.logs)-recentLogsCap:]
	}
	s.logCount++
	return nil
}

func (s *memoryStore) RecentLogs(_ context.Context, limit int) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.logs, limit), nil
}

func (s *memoryStore) Counts(_ context.Context, since time.Time) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Connections: int64(len(s.connections)), Logs: s.logCount}
	for _, rec := range s.connections {
		if !rec.ConnectedAt.Before(since) {
			c.ConnectionsToday++
		}
	}
	return c, nil
}

func (s *memoryStore) LoadSettings(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, nil
	}
	return append([]byte(nil), s.settings...), nil
}

func (s *memoryStore) SaveSettings(_ context.Context, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings = append([]byte(nil), doc...)
	return nil
}

func (s *memoryStore) Backup(context.Context, string, time.Time) (string, error) {
	return "", ErrBackupUnsupported
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// newestFirst returns up to limit records from an oldest-first slice, newest first.
func newestFirst(in []LogRecord, limit int) []LogRecord {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]LogRecord, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
