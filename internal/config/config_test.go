package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"newswatch/pkg/logx"
)

const validYAML = `
source:
  base_url: https://api.example.com
polling:
  interval: 5m
  fetch_limit: 10
realtime:
  url: wss://api.example.com/ws
  device_token: dev-1
telegram:
  token: "123:abc"
  chat_id: 42
storage:
  driver: sqlite
  path: /tmp/watch.db
logging:
  level: debug
  console: true
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.BaseURL != "https://api.example.com" {
		t.Fatalf("base_url = %q", cfg.Source.BaseURL)
	}
	if cfg.Telegram.ChatID != 42 {
		t.Fatalf("chat_id = %d", cfg.Telegram.ChatID)
	}
	if got := Duration(cfg.Polling.Interval, time.Minute); got != 5*time.Minute {
		t.Fatalf("interval = %v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	js := `{
		"source": {"base_url": "https://api.example.com"},
		"realtime": {"url": "wss://api.example.com/ws"},
		"telegram": {"token": "123:abc", "chat_id": 7},
		"storage": {"driver": "memory"}
	}`
	m := NewManager(writeConfig(t, "config.json", js), logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "unknown field",
			mutate:  func(s string) string { return s + "\nwhat_is_this: 1\n" },
			wantSub: "unknown field",
		},
		{
			name:    "missing source",
			mutate:  func(s string) string { return strings.Replace(s, "base_url: https://api.example.com", "base_url: \"\"", 1) },
			wantSub: "base_url",
		},
		{
			name:    "bad duration",
			mutate:  func(s string) string { return strings.Replace(s, "interval: 5m", "interval: soon", 1) },
			wantSub: "invalid duration",
		},
		{
			name:    "sqlite without path",
			mutate:  func(s string) string { return strings.Replace(s, "path: /tmp/watch.db", "", 1) },
			wantSub: "storage.path",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", tt.mutate(validYAML)), logx.Nop())
			_, err := m.Load()
			if err == nil {
				t.Fatal("expected load error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received wrong snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the snapshot")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if d, err := ParseDurationField("x", "1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("1500ms = (%v, %v)", d, err)
	}
}
