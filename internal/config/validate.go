package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Validate rejects configs that would fail later at wiring time, so a bad
// hot-reload is refused instead of half-applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"session.connect_timeout", cfg.Session.ConnectTimeout},
		{"session.auto_broadcast_delay", cfg.Session.AutoBroadcastDelay},
		{"broadcast.min_delay", cfg.Broadcast.MinDelay},
		{"broadcast.max_delay", cfg.Broadcast.MaxDelay},
		{"notifier.timeout", cfg.Notifier.Timeout},
		{"identity.auto_connect", cfg.Identity.AutoConnect},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	minDelay, _ := ParseDurationOrDefault("broadcast.min_delay", cfg.Broadcast.MinDelay, DefaultBroadcastMinDelay)
	maxDelay, _ := ParseDurationOrDefault("broadcast.max_delay", cfg.Broadcast.MaxDelay, DefaultBroadcastMaxDelay)
	if maxDelay < minDelay {
		return fmt.Errorf("broadcast.max_delay (%s) must be >= broadcast.min_delay (%s)", maxDelay, minDelay)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver)
		}
	case "redis":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Identity.Driver)) {
	case "", "sim":
	default:
		return fmt.Errorf("unknown identity.driver: %s", cfg.Identity.Driver)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := ParseTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return err
	}
	if cfg.Notifier.Workers < 0 || cfg.Notifier.QueueSize < 0 || cfg.Notifier.RatePerSec < 0 {
		return fmt.Errorf("notifier.workers/queue_size/rate_per_sec must be >= 0")
	}
	return nil
}

const (
	DefaultAddr                = ":8080"
	DefaultConnectTimeout      = 5 * time.Minute
	DefaultAutoBroadcastDelay  = 10 * time.Second
	DefaultBroadcastMinDelay   = 2 * time.Second
	DefaultBroadcastMaxDelay   = 5 * time.Second
	DefaultNotifierSendTimeout = 10 * time.Second
	DefaultSimAutoConnect      = 20 * time.Second
)

// ParseTrustedProxies accepts bare IPs and CIDR prefixes.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: invalid %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: invalid %q: %w", v, err)
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}
