package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
)

// envOverrides are applied on top of the parsed file so secrets and
// deployment-specific values can come from the environment.
type envOverrides struct {
	Addr          string `env:"PAIRGATE_ADDR"`
	AdminToken    string `env:"PAIRGATE_ADMIN_TOKEN"`
	StorageDriver string `env:"PAIRGATE_STORAGE_DRIVER"`
	StoragePath   string `env:"PAIRGATE_STORAGE_PATH"`
	RedisAddr     string `env:"PAIRGATE_REDIS_ADDR"`
	LogLevel      string `env:"PAIRGATE_LOG_LEVEL"`
}

func applyEnv(cfg *Config) error {
	var ov envOverrides
	if err := envdecode.Decode(&ov); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, ov.Addr)
	set(&cfg.Server.AdminToken, ov.AdminToken)
	set(&cfg.Storage.Driver, ov.StorageDriver)
	set(&cfg.Storage.Path, ov.StoragePath)
	set(&cfg.Storage.RedisAddr, ov.RedisAddr)
	set(&cfg.Logging.Level, ov.LogLevel)
	return nil
}
