package app

import (
	"strings"
	"time"

	"pairgate/internal/config"
	"pairgate/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		RedisAddr:   strings.TrimSpace(sc.RedisAddr),
		RedisPrefix: strings.TrimSpace(sc.RedisPrefix),
	}
	if driver == "sqlite" || driver == "sqlite3" {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	}
	return out, nil
}
