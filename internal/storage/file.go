package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pairgate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.connections.jsonl (append-only JSON Lines)
//   - <prefix>.logs.jsonl        (append-only JSON Lines)
//   - <prefix>.settings.json     (rewritten atomically on save)
//
// Counters and the recent-log tail are rebuilt from the journals on open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	connFile *os.File
	logFile  *os.File

	prefix       string
	settingsPath string

	connectedAt []int64 // unix milli, one per connection record
	tail        []LogRecord
	logCount    int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:          log,
		prefix:       prefix,
		settingsPath: prefix + ".settings.json",
	}

	connPath := prefix + ".connections.jsonl"
	logPath := prefix + ".logs.jsonl"

	if err := replayJSONL(connPath, func(b []byte) {
		var r ConnectionRecord
		if json.Unmarshal(b, &r) == nil {
			st.connectedAt = append(st.connectedAt, r.ConnectedAt.UnixMilli())
		}
	}); err != nil {
		return nil, err
	}
	if err := replayJSONL(logPath, func(b []byte) {
		var r LogRecord
		if json.Unmarshal(b, &r) == nil {
			st.pushTail(r)
		}
	}); err != nil {
		return nil, err
	}

	cf, err := os.OpenFile(connPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = cf.Close()
		return nil, err
	}
	st.connFile = cf
	st.logFile = lf
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("connections", len(st.connectedAt)), logx.Int64("logs", st.logCount))
	return st, nil
}

func (s *fileStore) pushTail(r LogRecord) {
	s.tail = append(s.tail, r)
	if len(s.tail) > recentLogsCap {
		s.tail = s.tail[len(s.tail)-recentLogsCap:]
	}
	s.logCount++
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.connFile != nil {
		err1 = s.connFile.Close()
		s.connFile = nil
	}
	if s.logFile != nil {
		err2 = s.logFile.Close()
		s.logFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) InsertConnection(_ context.Context, rec ConnectionRecord) error {
	rec.ConnectedAt = stamp(rec.ConnectedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.connFile).Encode(rec); err != nil {
		return err
	}
	s.connectedAt = append(s.connectedAt, rec.ConnectedAt.UnixMilli())
	return nil
}

func (s *fileStore) AppendLog(_ context.Context, rec LogRecord) error {
	rec.CreatedAt = stamp(rec.CreatedAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.logFile).Encode(rec); err != nil {
		return err
	}
	s.pushTail(rec)
	return nil
}

func (s *fileStore) RecentLogs(_ context.Context, limit int) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.tail, limit), nil
}

func (s *fileStore) Counts(_ context.Context, since time.Time) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Connections: int64(len(s.connectedAt)), Logs: s.logCount}
	floor := since.UnixMilli()
	for _, ms := range s.connectedAt {
		if ms >= floor {
			c.ConnectionsToday++
		}
	}
	return c, nil
}

func (s *fileStore) LoadSettings(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (s *fileStore) SaveSettings(_ context.Context, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return ErrClosed
	}
	return writeAtomic(s.settingsPath, doc)
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connFile == nil || s.logFile == nil {
		return ErrClosed
	}
	return nil
}

// Backup copies the journals and the settings document into dir.
// The returned path is the backup directory created for this run.
func (s *fileStore) Backup(_ context.Context, dir string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return "", ErrClosed
	}
	dst := filepath.Join(dir, backupName(filepath.Base(s.prefix), now, ""))
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, src := range []string{s.prefix + ".connections.jsonl", s.prefix + ".logs.jsonl", s.settingsPath} {
		if err := copyFile(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
	}
	return dst, nil
}

func replayJSONL(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		fn(sc.Bytes())
	}
	return sc.Err()
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
