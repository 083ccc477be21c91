package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml. All engine timings
// are expressed in milliseconds to match the wire and store representation.
type Config struct {
	ServerURL   string `toml:"server_url"`
	DefaultUser string `toml:"default_user"`

	Sync      Sync      `toml:"sync"`
	Reconnect Reconnect `toml:"reconnect"`
	Tabs      Tabs      `toml:"tabs"`
	Snapshot  Snapshot  `toml:"snapshot"`
}

// Sync holds polling fallback and turn tracking settings.
type Sync struct {
	PollIntervalMs       int64 `toml:"poll_interval_ms"`
	OverlapWindowMs      int64 `toml:"overlap_window_ms"`
	PendingTurnTimeoutMs int64 `toml:"pending_turn_timeout_ms"`
}

// Reconnect holds the resubscription backoff policy.
type Reconnect struct {
	BaseDelayMs       int64 `toml:"base_delay_ms"`
	StepDelayMs       int64 `toml:"step_delay_ms"`
	MaxDelayMs        int64 `toml:"max_delay_ms"`
	MaxAttempts       int   `toml:"max_attempts"`
	IdleIntervalMs    int64 `toml:"idle_interval_ms"`
	SettleDelayMs     int64 `toml:"settle_delay_ms"`
	HeartbeatPeriodMs int64 `toml:"heartbeat_period_ms"`
}

// Tabs holds the open-tab capacity and the conversation ownership quota.
type Tabs struct {
	Capacity          int `toml:"capacity"`
	ConversationQuota int `toml:"conversation_quota"`
}

// Snapshot holds local persistence settings. TTLMs gates restore: snapshots
// older than the TTL are ignored on load. 24h by default; the historical 1h
// variant is a configuration choice, not a different code path.
type Snapshot struct {
	TTLMs      int64 `toml:"ttl_ms"`
	Keep       int   `toml:"keep"`
	IntervalMs int64 `toml:"interval_ms"`
}

// Default returns the canonical engine settings.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		Sync: Sync{
			PollIntervalMs:       15_000,
			OverlapWindowMs:      90_000,
			PendingTurnTimeoutMs: 90_000,
		},
		Reconnect: Reconnect{
			BaseDelayMs:       2_000,
			StepDelayMs:       1_000,
			MaxDelayMs:        8_000,
			MaxAttempts:       3,
			IdleIntervalMs:    30_000,
			SettleDelayMs:     500,
			HeartbeatPeriodMs: 20_000,
		},
		Tabs: Tabs{
			Capacity:          3,
			ConversationQuota: 3,
		},
		Snapshot: Snapshot{
			TTLMs:      24 * 60 * 60 * 1000,
			Keep:       3,
			IntervalMs: 30_000,
		},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to Default when the
// file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// fillDefaults replaces zero values with the canonical settings so a partial
// config file still yields a runnable engine.
func (c *Config) fillDefaults() {
	d := Default()
	if c.ServerURL == "" {
		c.ServerURL = d.ServerURL
	}
	if c.Sync.PollIntervalMs <= 0 {
		c.Sync.PollIntervalMs = d.Sync.PollIntervalMs
	}
	if c.Sync.OverlapWindowMs <= 0 {
		c.Sync.OverlapWindowMs = d.Sync.OverlapWindowMs
	}
	if c.Sync.PendingTurnTimeoutMs <= 0 {
		c.Sync.PendingTurnTimeoutMs = d.Sync.PendingTurnTimeoutMs
	}
	if c.Reconnect.BaseDelayMs <= 0 {
		c.Reconnect.BaseDelayMs = d.Reconnect.BaseDelayMs
	}
	if c.Reconnect.StepDelayMs <= 0 {
		c.Reconnect.StepDelayMs = d.Reconnect.StepDelayMs
	}
	if c.Reconnect.MaxDelayMs <= 0 {
		c.Reconnect.MaxDelayMs = d.Reconnect.MaxDelayMs
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.IdleIntervalMs <= 0 {
		c.Reconnect.IdleIntervalMs = d.Reconnect.IdleIntervalMs
	}
	if c.Reconnect.SettleDelayMs <= 0 {
		c.Reconnect.SettleDelayMs = d.Reconnect.SettleDelayMs
	}
	if c.Reconnect.HeartbeatPeriodMs <= 0 {
		c.Reconnect.HeartbeatPeriodMs = d.Reconnect.HeartbeatPeriodMs
	}
	if c.Tabs.Capacity <= 0 {
		c.Tabs.Capacity = d.Tabs.Capacity
	}
	if c.Tabs.ConversationQuota <= 0 {
		c.Tabs.ConversationQuota = d.Tabs.ConversationQuota
	}
	if c.Snapshot.TTLMs <= 0 {
		c.Snapshot.TTLMs = d.Snapshot.TTLMs
	}
	if c.Snapshot.Keep <= 0 {
		c.Snapshot.Keep = d.Snapshot.Keep
	}
	if c.Snapshot.IntervalMs <= 0 {
		c.Snapshot.IntervalMs = d.Snapshot.IntervalMs
	}
}

// PollInterval returns the polling cadence as a duration.
func (s Sync) PollInterval() time.Duration { return time.Duration(s.PollIntervalMs) * time.Millisecond }

// OverlapWindow returns the poll overlap window as a duration.
func (s Sync) OverlapWindow() time.Duration {
	return time.Duration(s.OverlapWindowMs) * time.Millisecond
}

// PendingTurnTimeout returns the assistant-turn stall threshold.
func (s Sync) PendingTurnTimeout() time.Duration {
	return time.Duration(s.PendingTurnTimeoutMs) * time.Millisecond
}

// HeartbeatPeriod returns the push-channel keepalive cadence.
func (r Reconnect) HeartbeatPeriod() time.Duration {
	return time.Duration(r.HeartbeatPeriodMs) * time.Millisecond
}

// SnapshotTTL returns the restore gate as a duration.
func (s Snapshot) TTL() time.Duration { return time.Duration(s.TTLMs) * time.Millisecond }

// Interval returns the periodic snapshot cadence.
func (s Snapshot) Interval() time.Duration { return time.Duration(s.IntervalMs) * time.Millisecond }
