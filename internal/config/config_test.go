package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != DefaultHost || cfg.Gateway.Port != DefaultPort {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Session.IdleTimeout != DefaultSessionIdle {
		t.Errorf("idle timeout = %q", cfg.Session.IdleTimeout)
	}
	if cfg.Usage.DefaultLimit != DefaultUsageLimit || cfg.Usage.AlertThreshold != DefaultAlertThreshold {
		t.Errorf("usage = %+v", cfg.Usage)
	}
	if cfg.Dispatch.Policies["shell"] != PolicyRequestable {
		t.Errorf("shell policy = %q", cfg.Dispatch.Policies["shell"])
	}
	if _, ok := cfg.Dispatch.Policies["mcp"]; ok {
		t.Error("mcp should have no policy entry (hard-denied by default)")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
	if cfg.Pairing.TokenTTL != DefaultPairingTokenTTL {
		t.Errorf("pairing ttl = %q", cfg.Pairing.TokenTTL)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".gitu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := `{
  "gateway": {"host": "127.0.0.1", "port": 9999},
  "channels": {"telegram": {"enabled": true, "token": "tok", "allowFrom": ["42"]}},
  "session": {"idleTimeout": "1h"},
  "usage": {"defaultLimit": 50}
}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Gateway.Port != 9999 || cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tok" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	if cfg.IdleDuration() != time.Hour {
		t.Errorf("idle = %s", cfg.IdleDuration())
	}
	if cfg.Usage.DefaultLimit != 50 {
		t.Errorf("limit = %d", cfg.Usage.DefaultLimit)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Usage.Window != DefaultUsageWindow {
		t.Errorf("window = %q", cfg.Usage.Window)
	}
	if cfg.Dispatch.Policies == nil {
		t.Error("policies should fall back to defaults")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GITU_TELEGRAM_TOKEN", "env-token")
	t.Setenv("GITU_DB_PATH", "/tmp/custom.db")
	t.Setenv("GITU_PORT", "7777")
	t.Setenv("GITU_SESSION_IDLE", "90m")
	t.Setenv("GITU_USAGE_LIMIT", "123")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Store.DBPath != "/tmp/custom.db" {
		t.Errorf("db path = %q", cfg.Store.DBPath)
	}
	if cfg.Gateway.Port != 7777 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.IdleDuration() != 90*time.Minute {
		t.Errorf("idle = %s", cfg.IdleDuration())
	}
	if cfg.Usage.DefaultLimit != 123 {
		t.Errorf("limit = %d", cfg.Usage.DefaultLimit)
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Gateway.Port = 8123
	cfg.Channels.Web.Enabled = true
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Gateway.Port != 8123 || !loaded.Channels.Web.Enabled {
		t.Errorf("loaded = %+v", loaded.Gateway)
	}
}

func TestDurationHelpers_Fallbacks(t *testing.T) {
	cfg := &Config{}
	cfg.Session.IdleTimeout = "not-a-duration"
	cfg.Usage.Window = ""
	cfg.Pairing.TokenTTL = "-5m"

	want, _ := time.ParseDuration(DefaultSessionIdle)
	if cfg.IdleDuration() != want {
		t.Errorf("IdleDuration = %s", cfg.IdleDuration())
	}
	want, _ = time.ParseDuration(DefaultUsageWindow)
	if cfg.UsageWindow() != want {
		t.Errorf("UsageWindow = %s", cfg.UsageWindow())
	}
	want, _ = time.ParseDuration(DefaultPairingTokenTTL)
	if cfg.PairingTTL() != want {
		t.Errorf("PairingTTL = %s", cfg.PairingTTL())
	}
}
