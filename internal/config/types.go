package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "5m"); they are validated at load time.
type Config struct {
	Source   SourceConfig   `json:"source"`
	Polling  PollingConfig  `json:"polling"`
	Realtime RealtimeConfig `json:"realtime"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// SourceConfig points at the content source API.
type SourceConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"` // default 30s
}

// PollingConfig controls the polling detector.
type PollingConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"` // initial flag; nil keeps the persisted value
	Interval   string `json:"interval,omitempty"` // default "5m"
	FetchLimit int    `json:"fetch_limit,omitempty"`
	BurstCap   int    `json:"burst_cap,omitempty"`
}

// RealtimeConfig controls the persistent channel.
type RealtimeConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"` // initial flag; nil keeps the persisted value
	URL              string `json:"url"`
	DeviceToken      string `json:"device_token,omitempty"`
	BackoffFloor     string `json:"backoff_floor,omitempty"`     // default "1s"
	BackoffCeiling   string `json:"backoff_ceiling,omitempty"`   // default "30s"
	MaxAttempts      int    `json:"max_attempts,omitempty"`      // default 5
	HandshakeTimeout string `json:"handshake_timeout,omitempty"` // default "5s"
}

// NotifyConfig controls the dispatcher.
type NotifyConfig struct {
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // default 1
	SendTimeout string  `json:"send_timeout,omitempty"` // default "10s"
}

// TelegramConfig configures the delivery transport.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// StorageConfig controls the checkpoint store.
type StorageConfig struct {
	Driver            string `json:"driver"` // "sqlite" or "memory"
	Path              string `json:"path,omitempty"`
	BusyTimeout       string `json:"busy_timeout,omitempty"`
	HistoryMaxEntries int    `json:"history_max_entries,omitempty"`
	HistoryMaxAge     string `json:"history_max_age,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Validate rejects configs the daemon cannot start with. Duration fields
// are parsed here so a typo fails at load, not at first use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return errors.New("source.base_url is required")
	}
	if strings.TrimSpace(c.Realtime.URL) == "" {
		return errors.New("realtime.url is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory", "", "none":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"source.timeout", c.Source.Timeout},
		{"polling.interval", c.Polling.Interval},
		{"realtime.backoff_floor", c.Realtime.BackoffFloor},
		{"realtime.backoff_ceiling", c.Realtime.BackoffCeiling},
		{"realtime.handshake_timeout", c.Realtime.HandshakeTimeout},
		{"notify.send_timeout", c.Notify.SendTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"storage.history_max_age", c.Storage.HistoryMaxAge},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses an optional duration string; empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
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

// Duration returns the parsed value of a previously validated field, or
// def when the field is empty.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
