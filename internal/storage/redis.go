package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pairgate/pkg/logx"
)

const defaultRedisPrefix = "pairgate:"

// redisStore keeps connection records in a sorted set scored by connect time,
// log records in a capped list and the settings document in a plain key.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return newRedisStore(cl, prefix, log), nil
}

func newRedisStore(cl *redis.Client, prefix string, log logx.Logger) *redisStore {
	return &redisStore{client: cl, prefix: prefix, log: log}
}

// --- Key helpers ---

func (s *redisStore) connectionsKey() string { return s.prefix + "connections" }
func (s *redisStore) logsKey() string        { return s.prefix + "logs" }
func (s *redisStore) logCountKey() string    { return s.prefix + "logs:count" }
func (s *redisStore) settingsKey() string    { return s.prefix + "settings" }

func (s *redisStore) InsertConnection(ctx context.Context, rec ConnectionRecord) error {
	rec.ConnectedAt = stamp(rec.ConnectedAt)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.connectionsKey(), redis.Z{
		Score:  float64(rec.ConnectedAt.UnixMilli()),
		Member: string(b),
	}).Err()
}

func (s *redisStore) AppendLog(ctx context.Context, rec LogRecord) error {
	rec.CreatedAt = stamp(rec.CreatedAt)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.logsKey(), string(b))
		p.LTrim(ctx, s.logsKey(), 0, recentLogsCap-1)
		p.Incr(ctx, s.logCountKey())
		return nil
	})
	return err
}

func (s *redisStore) RecentLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	if limit <= 0 || limit > recentLogsCap {
		limit = recentLogsCap
	}
	raw, err := s.client.LRange(ctx, s.logsKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LogRecord, 0, len(raw))
	for _, v := range raw {
		var r LogRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) Counts(ctx context.Context, since time.Time) (Counts, error) {
	var (
		total, today *redis.IntCmd
		logs         *redis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.ZCard(ctx, s.connectionsKey())
		today = p.ZCount(ctx, s.connectionsKey(), strconv.FormatInt(since.UnixMilli(), 10), "+inf")
		logs = p.Get(ctx, s.logCountKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, err
	}
	c := Counts{Connections: total.Val(), ConnectionsToday: today.Val()}
	if n, err := logs.Int64(); err == nil {
		c.Logs = n
	}
	return c, nil
}

func (s *redisStore) LoadSettings(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, s.settingsKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (s *redisStore) SaveSettings(ctx context.Context, doc []byte) error {
	return s.client.Set(ctx, s.settingsKey(), doc, 0).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error { return s.client.Close() }

type redisDump struct {
	TakenAt     time.Time         `json:"takenAt"`
	Connections []json.RawMessage `json:"connections"`
	Logs        []json.RawMessage `json:"logs"`
	Settings    json.RawMessage   `json:"settings,omitempty"`
}

// Backup dumps every key this store owns into a single JSON document.
func (s *redisStore) Backup(ctx context.Context, dir string, now time.Time) (string, error) {
	conns, err := s.client.ZRange(ctx, s.connectionsKey(), 0, -1).Result()
	if err != nil {
		return "", err
	}
	logs, err := s.client.LRange(ctx, s.logsKey(), 0, -1).Result()
	if err != nil {
		return "", err
	}
	settings, err := s.LoadSettings(ctx)
	if err != nil {
		return "", err
	}

	dump := redisDump{TakenAt: now, Settings: settings}
	for _, c := range conns {
		dump.Connections = append(dump.Connections, json.RawMessage(c))
	}
	for _, l := range logs {
		dump.Logs = append(dump.Logs, json.RawMessage(l))
	}
	b, err := json.Marshal(dump)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, backupName("redis", now, ".json"))
	if err := writeAtomic(dst, b); err != nil {
		return "", err
	}
	return dst, nil
}
