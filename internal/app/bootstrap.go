package app

import (
	"strings"
	"time"

	"pairgate/internal/config"
	"pairgate/internal/httpapi"
	"pairgate/internal/notifier"
	"pairgate/internal/scheduler"
	"pairgate/internal/session"
	logx "pairgate/pkg/logx"
)

// The map* helpers turn the boot config into component configs. Durations
// were validated by config.Validate, so parse errors only surface for
// configs committed without validation.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	rt, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	// Websocket connections outlive any write timeout; zero leaves it unbounded.
	wt, err := config.ParseDurationOrDefault("server.write_timeout", cfg.Server.WriteTimeout, 0)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = config.DefaultAddr
	}
	return httpapi.ServerConfig{Addr: addr, ReadTimeout: rt, WriteTimeout: wt}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	ct, err := config.ParseDurationOrDefault("session.connect_timeout", cfg.Session.ConnectTimeout, config.DefaultConnectTimeout)
	if err != nil {
		return session.Config{}, err
	}
	ab, err := config.ParseDurationOrDefault("session.auto_broadcast_delay", cfg.Session.AutoBroadcastDelay, config.DefaultAutoBroadcastDelay)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{ConnectTimeout: ct, AutoBroadcastDelay: ab}, nil
}

func mapBroadcastDelays(cfg *config.Config) (minDelay, maxDelay time.Duration, err error) {
	minDelay, err = config.ParseDurationOrDefault("broadcast.min_delay", cfg.Broadcast.MinDelay, config.DefaultBroadcastMinDelay)
	if err != nil {
		return 0, 0, err
	}
	maxDelay, err = config.ParseDurationOrDefault("broadcast.max_delay", cfg.Broadcast.MaxDelay, config.DefaultBroadcastMaxDelay)
	return minDelay, maxDelay, err
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("notifier.timeout", cfg.Notifier.Timeout, config.DefaultNotifierSendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Workers:    cfg.Notifier.Workers,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		Timeout:    timeout,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:  cfg.Scheduler.Timezone,
		BackupDir: cfg.Backup.Dir,
	}
}
