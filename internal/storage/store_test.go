package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pairgate/pkg/logx"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	yesterday := day.Add(-2 * time.Hour)

	if doc, err := st.LoadSettings(ctx); err != nil || doc != nil {
		t.Fatalf("LoadSettings on empty store = %q, %v", doc, err)
	}

	for i, at := range []time.Time{yesterday, day.Add(time.Hour), day.Add(2 * time.Hour)} {
		err := st.InsertConnection(ctx, ConnectionRecord{Phone: fmt.Sprintf("62811%d", i), Name: "n", Address: "1.2.3.4", ConnectedAt: at})
		if err != nil {
			t.Fatalf("InsertConnection: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		err := st.AppendLog(ctx, LogRecord{Type: LogSystem, Message: fmt.Sprintf("line %d", i), CreatedAt: day.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	c, err := st.Counts(ctx, day)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Connections != 3 || c.ConnectionsToday != 2 || c.Logs != 5 {
		t.Fatalf("Counts = %+v", c)
	}

	logs, err := st.RecentLogs(ctx, 2)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "line 4" || logs[1].Message != "line 3" {
		t.Fatalf("RecentLogs = %+v", logs)
	}

	if err := st.SaveSettings(ctx, []byte(`{"broadcastLimit":10}`)); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := st.SaveSettings(ctx, []byte(`{"broadcastLimit":20}`)); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	doc, err := st.LoadSettings(ctx)
	if err != nil || string(doc) != `{"broadcastLimit":20}` {
		t.Fatalf("LoadSettings = %q, %v", doc, err)
	}

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	exerciseStore(t, st)

	if _, err := st.Backup(context.Background(), t.TempDir(), time.Now()); err != ErrBackupUnsupported {
		t.Fatalf("Backup err = %v", err)
	}
	_ = st.Close()
	if err := st.Ping(context.Background()); err != ErrClosed {
		t.Fatalf("Ping after close = %v", err)
	}
}

func TestFileStoreReplaysOnReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pairgate.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)

	backupDir := t.TempDir()
	dst, err := st.Backup(context.Background(), backupDir, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "pairgate.logs.jsonl")); err != nil {
		t.Fatalf("backup missing logs journal: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	c, err := st.Counts(context.Background(), time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Connections != 3 || c.ConnectionsToday != 2 || c.Logs != 5 {
		t.Fatalf("Counts after reopen = %+v", c)
	}
	logs, _ := st.RecentLogs(context.Background(), 1)
	if len(logs) != 1 || logs[0].Message != "line 4" {
		t.Fatalf("RecentLogs after reopen = %+v", logs)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "pairgate.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)

	dst, err := st.Backup(context.Background(), filepath.Join(dir, "backups"), time.Now())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if fi, err := os.Stat(dst); err != nil || fi.Size() == 0 {
		t.Fatalf("backup file %s: %v", dst, err)
	}
}

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 3})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	st := newRedisStore(client, "pairgate-test:", logx.Nop())
	defer st.Close()
	exerciseStore(t, st)

	if _, err := st.Backup(ctx, t.TempDir(), time.Now()); err != nil {
		t.Fatalf("Backup: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}
