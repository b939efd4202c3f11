package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the process-level configuration loaded from file.
//
// Delivery policy that admins tune at runtime (strategy, retry counts,
// global enable, secret-session TTL) deliberately does NOT live here: it is
// stored in the registry database so the admin panel and this daemon always
// agree. The file only configures the process itself.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Pool     PoolConfig     `json:"pool,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// GatewayConfig points user-transport agents at the personal-account
// gateway. Bot-transport agents talk to the Bot API directly and ignore it.
type GatewayConfig struct {
	URL         string `json:"url"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAdmin forwards WARN+ log lines to the admin chat via the notifier
// bot (rate limited).
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig locates the registry database (SQLite file).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PoolConfig tunes connection health and send pacing.
//
// Defaults (when fields are omitted/zero):
//   - health_interval: "30s"
//   - ping_timeout: "10s"
//   - send_timeout: "45s"
//   - sends_per_minute: 20 (per agent)
//   - settle_delay: "3s" (after a new secret session handshake)
type PoolConfig struct {
	HealthInterval string `json:"health_interval,omitempty"`
	PingTimeout    string `json:"ping_timeout,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	SendsPerMinute int    `json:"sends_per_minute,omitempty"`
	SettleDelay    string `json:"settle_delay,omitempty"`
}

// NotifierConfig configures the service-facing bot account used only for
// admin notifications (the delivery agents never talk to admins).
type NotifierConfig struct {
	BotToken string `json:"bot_token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
}

// MaintenanceConfig controls the background cron jobs.
//
// Defaults: prune_spec "0 4 * * *" (daily 04:00), summary_spec "0 * * * *"
// (hourly), history_retention "720h" (30 days).
type MaintenanceConfig struct {
	HistoryRetention string `json:"history_retention,omitempty"`
	PruneSpec        string `json:"prune_spec,omitempty"`
	SummarySpec      string `json:"summary_spec,omitempty"`
}

// ---- duration helpers ----

// Duration parses a duration field, treating empty as zero.
// The path is included in errors so a bad reload points at the field.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr parses a duration field, substituting def when empty or zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := Duration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
