package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultPort is the gateway listen port.
const DefaultPort = 18789

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:           "default",
			Runtime:      "echo",
			RunTimeoutMs: 300000,
		},
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               DefaultPort,
			MaxMessageChars:    32000,
			RateLimitRPM:       60,
			HandshakeTimeoutMs: 10000,
			MaxPayloadBytes:    25 * 1024 * 1024,
			MaxBufferedBytes:   50 * 1024 * 1024,
			TickIntervalMs:     30000,
			HealthRefreshMs:    60000,
			DegradedBudget:     2,
		},
		Dedupe: DedupeConfig{
			TTLMs:      300000,
			MaxEntries: 1000,
		},
		Reconnect: ReconnectConfig{
			InitialMs:   2000,
			MaxMs:       30000,
			Factor:      1.8,
			Jitter:      ptr(0.25),
			MaxAttempts: 12,
		},
		Delivery: DeliveryConfig{
			DebounceMs:       1000,
			TypingIntervalMs: 4000,
			TypingMaxMs:      120000,
			OutboundRPS:      1,
			OutboundBurst:    3,
		},
		Commands: CommandsConfig{
			ModeWhenAccessGroupsOff: "configured",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{StreamMode: "off"},
			Signal:   SignalConfig{BaseURL: "http://localhost:8080"},
			// Web chat clients already passed the gateway token.
			Webchat: WebchatConfig{ChannelAccess: ChannelAccess{DMPolicy: "open"}},
		},
		Sessions: SessionsConfig{
			RouteStore:          "file",
			Storage:             "~/.clawrelay/routes",
			SQLitePath:          "~/.clawrelay/routes.db",
			RouteRetentionHours: 30 * 24,
			RoutePruneCron:      "17 3 * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "clawrelay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults (plus env).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CLAWRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CLAWRELAY_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("CLAWRELAY_AGENT_API_BASE", &c.Agent.APIBase)
	envStr("CLAWRELAY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("CLAWRELAY_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("CLAWRELAY_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("CLAWRELAY_SIGNAL_URL", &c.Channels.Signal.BaseURL)
	envStr("CLAWRELAY_SIGNAL_ACCOUNT", &c.Channels.Signal.Account)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("CLAWRELAY_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("CLAWRELAY_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("CLAWRELAY_WHATSAPP_BRIDGE_URL") != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if os.Getenv("CLAWRELAY_SIGNAL_ACCOUNT") != "" {
		c.Channels.Signal.Enabled = true
	}

	// Gateway host/port
	envStr("CLAWRELAY_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Route persistence
	envStr("CLAWRELAY_ROUTE_STORE", &c.Sessions.RouteStore)
	envStr("CLAWRELAY_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CLAWRELAY_SQLITE_PATH", &c.Sessions.SQLitePath)
	envStr("CLAWRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Telemetry
	envStr("CLAWRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CLAWRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CLAWRELAY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("CLAWRELAY_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("CLAWRELAY_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("CLAWRELAY_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Agent.Runtime {
	case "", "echo":
	case "openai":
		if c.Agent.Model == "" {
			return fmt.Errorf("agent.runtime=openai requires agent.model")
		}
	default:
		return fmt.Errorf("unknown agent.runtime %q", c.Agent.Runtime)
	}

	switch c.Sessions.RouteStore {
	case "", "file", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("sessions.route_store=postgres requires CLAWRELAY_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown sessions.route_store %q", c.Sessions.RouteStore)
	}

	switch c.Commands.ModeWhenAccessGroupsOff {
	case "", "allow", "deny", "configured":
	default:
		return fmt.Errorf("unknown commands.mode_when_access_groups_off %q", c.Commands.ModeWhenAccessGroupsOff)
	}

	for name, acc := range map[string]ChannelAccess{
		"telegram": c.Channels.Telegram.ChannelAccess,
		"discord":  c.Channels.Discord.ChannelAccess,
		"whatsapp": c.Channels.WhatsApp.ChannelAccess,
		"signal":   c.Channels.Signal.ChannelAccess,
		"webchat":  c.Channels.Webchat.ChannelAccess,
	} {
		for field, v := range map[string]string{"dm_policy": acc.DMPolicy, "group_policy": acc.GroupPolicy} {
			switch v {
			case "", "allowlist", "open", "disabled":
			default:
				return fmt.Errorf("channels.%s.%s: unknown policy %q", name, field, v)
			}
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	return nil
}

// Save writes the config to a JSON file. Fields tagged json:"-" (DSN, tsnet
// auth key) never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the status RPC to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolvePath returns the config path from the flag value, the
// CLAWRELAY_CONFIG env var, or ./config.json5, in that order.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := strings.TrimSpace(os.Getenv("CLAWRELAY_CONFIG")); v != "" {
		return v
	}
	return "config.json5"
}
