package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrBackupUnsupported is returned by drivers that keep nothing on disk.
	ErrBackupUnsupported = errors.New("storage backup not supported by driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + settings json)
//   - "sqlite": SQLite database file
//   - "redis": Redis server (RedisAddr, RedisPrefix)
//
// If Driver is empty or "none", an in-memory store is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisAddr   string
	RedisPrefix string
}

// Log record types.
const (
	LogConnect    = "connect"
	LogDisconnect = "disconnect"
	LogError      = "error"
	LogBroadcast  = "broadcast"
	LogAdmin      = "admin"
	LogSystem     = "system"
)

// ConnectionRecord is persisted once per session that reached "connected".
type ConnectionRecord struct {
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// LogRecord is one append-only log line.
type LogRecord struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Counts are aggregated totals for dashboards and health.
type Counts struct {
	Connections      int64 `json:"connections"`
	ConnectionsToday int64 `json:"connectionsToday"`
	Logs             int64 `json:"logs"`
}

// Store is the persistence API used by the session manager, settings and
// the admin surface.
type Store interface {
	InsertConnection(ctx context.Context, rec ConnectionRecord) error
	AppendLog(ctx context.Context, rec LogRecord) error
	RecentLogs(ctx context.Context, limit int) ([]LogRecord, error)
	// Counts aggregates totals; ConnectionsToday counts records at or after since.
	Counts(ctx context.Context, since time.Time) (Counts, error)

	// LoadSettings returns the raw settings document, or nil if none was saved.
	LoadSettings(ctx context.Context) ([]byte, error)
	SaveSettings(ctx context.Context, doc []byte) error

	// Backup writes a point-in-time copy into dir and returns its path.
	Backup(ctx context.Context, dir string, now time.Time) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

const recentLogsCap = 500

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func backupName(prefix string, now time.Time, ext string) string {
	return prefix + "-" + now.UTC().Format("20060102-150405") + ext
}
