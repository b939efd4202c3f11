package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"gateway": {"url": "wss://gw.example.com/ws", "dial_timeout": "20s"},
		"logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}, "admin": {"enabled": false}},
		"storage": {"path": "./courier.db"},
		"pool": {"sends_per_minute": 10, "settle_delay": "2s"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Gateway.URL != "wss://gw.example.com/ws" {
		t.Fatalf("gateway url = %q", cfg.Gateway.URL)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Pool.SendsPerMinute != 10 {
		t.Fatalf("sends_per_minute = %d", cfg.Pool.SendsPerMinute)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
gateway:
  url: wss://gw.example.com/ws
logging:
  level: INFO
  console: true
  file:
    enabled: true
    path: /var/log/courier.log
  admin:
    enabled: true
    min_level: WARN
    rate_per_sec: 2
storage:
  path: ./courier.db
notifier:
  bot_token: "123:abc"
  chat_id: -100200300
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/var/log/courier.log" {
		t.Fatalf("file logging = %+v", cfg.Logging.File)
	}
	if cfg.Notifier.ChatID != -100200300 {
		t.Fatalf("chat_id = %d", cfg.Notifier.ChatID)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"gateway": {"url": "wss://x"}, "logging": {"level": "INFO"}, "storage": {"path": "x.db"}, "tpyo": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"storage": {"path": "x.db"}} {"extra": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestDurationHelpers(t *testing.T) {
	if d, err := Duration("f", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("Duration = (%s, %v)", d, err)
	}
	if d, err := Duration("f", ""); err != nil || d != 0 {
		t.Fatalf("empty Duration = (%s, %v)", d, err)
	}
	if _, err := Duration("f", "not-a-duration"); err == nil {
		t.Fatal("bad duration accepted")
	}
	if _, err := Duration("f", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := DurationOr("f", "", 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("DurationOr default = (%s, %v)", d, err)
	}
	if d, err := DurationOr("f", "1m", 30*time.Second); err != nil || d != time.Minute {
		t.Fatalf("DurationOr explicit = (%s, %v)", d, err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := NewManager("unused.json")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// Full buffer: the newest config replaces the stale one.
	old, fresh := &Config{}, &Config{}
	m.publish(old)
	m.publish(fresh)
	if got := <-ch; got != fresh {
		t.Fatal("stale config not replaced by newest")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on unsubscribe")
	}
}
