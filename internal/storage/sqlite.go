package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pairgate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const settingsKey = "runtime"

type sqliteStore struct {
	db   *sql.DB
	path string
	log  logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, path: path, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertConnection(ctx context.Context, rec ConnectionRecord) error {
	rec.ConnectedAt = stamp(rec.ConnectedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(phone, name, address, connected_at) VALUES(?,?,?,?)`,
		rec.Phone, nullStr(rec.Name), nullStr(rec.Address), rec.ConnectedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendLog(ctx context.Context, rec LogRecord) error {
	rec.CreatedAt = stamp(rec.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(type, message, created_at) VALUES(?,?,?)`,
		rec.Type, rec.Message, rec.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RecentLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = recentLogsCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, message, created_at FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			r  LogRecord
			ms int64
		)
		if err := rows.Scan(&r.Type, &r.Message, &ms); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Counts(ctx context.Context, since time.Time) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM connections),
			(SELECT COUNT(*) FROM connections WHERE connected_at >= ?),
			(SELECT COUNT(*) FROM logs)`,
		since.UnixMilli(),
	).Scan(&c.Connections, &c.ConnectionsToday, &c.Logs)
	return c, err
}

func (s *sqliteStore) LoadSettings(ctx context.Context) ([]byte, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingsKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (s *sqliteStore) SaveSettings(ctx context.Context, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		settingsKey, string(doc), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backup writes a consistent copy of the database with VACUUM INTO.
func (s *sqliteStore) Backup(ctx context.Context, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	dst := filepath.Join(dir, backupName(base, now, ".db"))
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
