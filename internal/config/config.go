package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18890
	DefaultBufSize         = 100
	DefaultSessionIdle     = "45m"
	DefaultSweepExpr       = "0 */5 * * * *"
	DefaultAlertExpr       = "30 */5 * * * *"
	DefaultDispatchTimeout = 30
	DefaultShellTimeout    = 5
	DefaultPairingTokenTTL = "10m"
	DefaultUsageWindow     = "24h"
	DefaultUsageLimit      = 1000
	DefaultAlertThreshold  = 0.8
)

// Policy values for the per-resource permission policy table.
const (
	PolicyRequestable = "requestable"
	PolicyHardDeny    = "hard-deny"
)

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	Session  SessionConfig  `json:"session"`
	Usage    UsageConfig    `json:"usage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Pairing  PairingConfig  `json:"pairing"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type SessionConfig struct {
	IdleTimeout string `json:"idleTimeout"`
	SweepExpr   string `json:"sweepExpr,omitempty"`
}

type UsageConfig struct {
	DefaultLimit   int64   `json:"defaultLimit"`
	Window         string  `json:"window"`
	AlertThreshold float64 `json:"alertThreshold"`
	AlertExpr      string  `json:"alertExpr,omitempty"`
}

type DispatchConfig struct {
	DefaultTimeoutSec int               `json:"defaultTimeoutSec"`
	ShellTimeoutSec   int               `json:"shellTimeoutSec"`
	Policies          map[string]string `json:"policies,omitempty"` // resource -> requestable|hard-deny
}

type PairingConfig struct {
	TokenTTL string `json:"tokenTtl"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Terminal TerminalConfig `json:"terminal"`
	Web      WebConfig      `json:"web"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type TerminalConfig struct {
	Enabled  bool   `json:"enabled"`
	DeviceID string `json:"deviceId,omitempty"`
}

type WebConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{},
		Session: SessionConfig{
			IdleTimeout: DefaultSessionIdle,
			SweepExpr:   DefaultSweepExpr,
		},
		Usage: UsageConfig{
			DefaultLimit:   DefaultUsageLimit,
			Window:         DefaultUsageWindow,
			AlertThreshold: DefaultAlertThreshold,
			AlertExpr:      DefaultAlertExpr,
		},
		Dispatch: DispatchConfig{
			DefaultTimeoutSec: DefaultDispatchTimeout,
			ShellTimeoutSec:   DefaultShellTimeout,
			Policies: map[string]string{
				"files":    PolicyRequestable,
				"shell":    PolicyRequestable,
				"gmail":    PolicyRequestable,
				"shopify":  PolicyRequestable,
				"notebook": PolicyRequestable,
			},
		},
		Pairing: PairingConfig{
			TokenTTL: DefaultPairingTokenTTL,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".gitu")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("GITU_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("GITU_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if port := os.Getenv("GITU_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if idle := os.Getenv("GITU_SESSION_IDLE"); idle != "" {
		cfg.Session.IdleTimeout = idle
	}
	if limit := os.Getenv("GITU_USAGE_LIMIT"); limit != "" {
		if parsed, err := strconv.ParseInt(limit, 10, 64); err == nil {
			cfg.Usage.DefaultLimit = parsed
		}
	}

	if cfg.Session.IdleTimeout == "" {
		cfg.Session.IdleTimeout = DefaultSessionIdle
	}
	if cfg.Session.SweepExpr == "" {
		cfg.Session.SweepExpr = DefaultSweepExpr
	}
	if cfg.Usage.Window == "" {
		cfg.Usage.Window = DefaultUsageWindow
	}
	if cfg.Usage.AlertThreshold <= 0 || cfg.Usage.AlertThreshold >= 1 {
		cfg.Usage.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.Usage.AlertExpr == "" {
		cfg.Usage.AlertExpr = DefaultAlertExpr
	}
	if cfg.Dispatch.DefaultTimeoutSec <= 0 {
		cfg.Dispatch.DefaultTimeoutSec = DefaultDispatchTimeout
	}
	if cfg.Dispatch.ShellTimeoutSec <= 0 {
		cfg.Dispatch.ShellTimeoutSec = DefaultShellTimeout
	}
	if cfg.Dispatch.Policies == nil {
		cfg.Dispatch.Policies = DefaultConfig().Dispatch.Policies
	}
	if cfg.Pairing.TokenTTL == "" {
		cfg.Pairing.TokenTTL = DefaultPairingTokenTTL
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// IdleDuration parses the configured session idle timeout.
func (c *Config) IdleDuration() time.Duration {
	d, err := time.ParseDuration(c.Session.IdleTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultSessionIdle)
	}
	return d
}

// UsageWindow parses the configured rolling usage window.
func (c *Config) UsageWindow() time.Duration {
	d, err := time.ParseDuration(c.Usage.Window)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultUsageWindow)
	}
	return d
}

// PairingTTL parses the configured pairing token lifetime.
func (c *Config) PairingTTL() time.Duration {
	d, err := time.ParseDuration(c.Pairing.TokenTTL)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultPairingTokenTTL)
	}
	return d
}
