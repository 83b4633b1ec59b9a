package config

import (
	"reflect"
	"strings"

	logx "pairgate/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (admin token) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if oldCfg.Server.Addr != newCfg.Server.Addr ||
		oldCfg.Server.AdminToken != newCfg.Server.AdminToken ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.WriteTimeout != newCfg.Server.WriteTimeout ||
		oldCfg.Server.Pprof != newCfg.Server.Pprof ||
		!reflect.DeepEqual(oldCfg.Server.AllowedOrigins, newCfg.Server.AllowedOrigins) ||
		!reflect.DeepEqual(oldCfg.Server.TrustedProxies, newCfg.Server.TrustedProxies) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.admin_token_set", strings.TrimSpace(newCfg.Server.AdminToken) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.connect_timeout", newCfg.Session.ConnectTimeout),
			logx.String("session.auto_broadcast_delay", newCfg.Session.AutoBroadcastDelay),
		)
	}
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.min_delay", newCfg.Broadcast.MinDelay),
			logx.String("broadcast.max_delay", newCfg.Broadcast.MaxDelay),
		)
	}
	if oldCfg.Identity != newCfg.Identity {
		changed = append(changed, "identity")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
	}
	if oldCfg.Backup != newCfg.Backup {
		changed = append(changed, "backup")
	}
	return changed, attrs
}

// RestartRequired reports whether any of the changed sections can only take
// effect after a process restart.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "server", "storage", "identity":
			return true
		}
	}
	return false
}
