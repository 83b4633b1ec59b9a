package config

// Config is the boot configuration read from the config file.
//
// It covers process-level knobs only. Operator-editable runtime settings
// (broadcast text, limits, deny-list, ...) live in internal/settings and are
// persisted in the store.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Identity  IdentityConfig  `json:"identity"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Backup    BackupConfig    `json:"backup"`
}

// ServerConfig controls the HTTP listener (health, admin API, websocket).
//
// Security note: AdminToken protects every /api/admin route. Leaving it empty
// leaves the admin API (and pprof) unmounted.
type ServerConfig struct {
	Addr         string `json:"addr"` // default ":8080"
	AdminToken   string `json:"admin_token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// TrustedProxies lists IPs or CIDRs of reverse proxies whose
	// X-Forwarded-For header is used for the client address.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
	// Pprof mounts /debug/pprof behind the admin token.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log records to the Telegram chat
// configured in the runtime settings.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pairgate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// SessionConfig holds lifecycle timing. Go duration strings.
//
// Defaults: connect_timeout "5m", auto_broadcast_delay "10s".
type SessionConfig struct {
	ConnectTimeout     string `json:"connect_timeout,omitempty"`
	AutoBroadcastDelay string `json:"auto_broadcast_delay,omitempty"`
}

// BroadcastConfig bounds the randomized pause between two sends.
//
// Defaults: min_delay "2s", max_delay "5s".
type BroadcastConfig struct {
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

// IdentityConfig selects the identity client driver.
type IdentityConfig struct {
	Driver     string `json:"driver"` // "sim" is the only bundled driver
	StorageDir string `json:"storage_dir,omitempty"`
	// AutoConnect is how long the sim driver waits before reporting a
	// paired session as connected. Empty means "20s".
	AutoConnect string `json:"auto_connect,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name used to evaluate scheduledTime. Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the outbound notification queue (webhook + Telegram).
type NotifierConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type BackupConfig struct {
	// Dir receives periodic store backups. Empty disables backups.
	Dir string `json:"dir,omitempty"`
}
