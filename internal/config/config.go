package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/internal/reconnect"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the clawrelay gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Gateway   GatewayConfig   `json:"gateway"`
	Dedupe    DedupeConfig    `json:"dedupe"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Commands  CommandsConfig  `json:"commands"`
	Channels  ChannelsConfig  `json:"channels"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig selects the agent runtime replies come from.
type AgentConfig struct {
	ID           string `json:"id,omitempty"`             // session key agent segment (default "default")
	Runtime      string `json:"runtime,omitempty"`        // "echo" (default) or "openai"
	RunTimeoutMs int    `json:"run_timeout_ms,omitempty"` // per-run deadline (default 300000)

	// OpenAI-compatible runtime settings.
	APIBase      string `json:"api_base,omitempty"` // default https://api.openai.com/v1
	APIKey       string `json:"-"`                  // from env CLAWRELAY_AGENT_API_KEY only
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// GatewayConfig controls the WebSocket RPC server and connection bounds.
type GatewayConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Token              string   `json:"token,omitempty"`           // bearer token for WS/HTTP auth
	AllowedOrigins     []string `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)
	RateLimitRPM       int      `json:"rate_limit_rpm,omitempty"`  // RPC requests per minute per client (0 = disabled)
	MaxMessageChars    int      `json:"max_message_chars,omitempty"`
	HandshakeTimeoutMs int      `json:"handshake_timeout_ms,omitempty"`
	MaxPayloadBytes    int64    `json:"max_payload_bytes,omitempty"`
	MaxBufferedBytes   int64    `json:"max_buffered_bytes,omitempty"`
	TickIntervalMs     int      `json:"tick_interval_ms,omitempty"`
	HealthRefreshMs    int      `json:"health_refresh_ms,omitempty"`
	DegradedBudget     int      `json:"degraded_budget,omitempty"` // missed health ticks tolerated before redial
}

// Limits converts the gateway section into connection limits. Zero fields
// fall back to the connection package defaults.
func (g GatewayConfig) Limits() connection.Limits {
	return connection.Limits{
		HandshakeTimeout:      ms(g.HandshakeTimeoutMs),
		MaxPayloadBytes:       g.MaxPayloadBytes,
		MaxBufferedBytes:      g.MaxBufferedBytes,
		TickInterval:          ms(g.TickIntervalMs),
		HealthRefreshInterval: ms(g.HealthRefreshMs),
		DegradedBudget:        g.DegradedBudget,
	}.WithDefaults()
}

// DedupeConfig bounds the inbound replay cache.
type DedupeConfig struct {
	TTLMs      int `json:"ttl_ms,omitempty"`
	MaxEntries int `json:"max_entries,omitempty"`
}

func (d DedupeConfig) TTL() time.Duration { return ms(d.TTLMs) }

// ReconnectConfig is reconnect tuning in config units. Zero or unset fields inherit.
type ReconnectConfig struct {
	InitialMs   int      `json:"initial_ms,omitempty"`
	MaxMs       int      `json:"max_ms,omitempty"`
	Factor      float64  `json:"factor,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`       // unset inherits; 0 or negative disables jitter
	MaxAttempts int      `json:"max_attempts,omitempty"` // negative = unlimited
}

// Merge returns r with every zero or unset field taken from base.
func (r ReconnectConfig) Merge(base ReconnectConfig) ReconnectConfig {
	if r.InitialMs == 0 {
		r.InitialMs = base.InitialMs
	}
	if r.MaxMs == 0 {
		r.MaxMs = base.MaxMs
	}
	if r.Factor == 0 {
		r.Factor = base.Factor
	}
	if r.Jitter == nil {
		r.Jitter = base.Jitter
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = base.MaxAttempts
	}
	return r
}

// Policy builds the clamped reconnect policy. An explicit jitter of 0 turns
// jitter off; only an unset jitter takes the package default.
func (r ReconnectConfig) Policy() reconnect.Policy {
	var jitter float64
	if r.Jitter != nil {
		jitter = *r.Jitter
		if jitter <= 0 {
			jitter = -1
		}
	}
	return reconnect.New(reconnect.Config{
		InitialDelay: ms(r.InitialMs),
		MaxDelay:     ms(r.MaxMs),
		Factor:       r.Factor,
		Jitter:       jitter,
		MaxAttempts:  r.MaxAttempts,
	})
}

// DeliveryConfig tunes outbound streaming.
type DeliveryConfig struct {
	DebounceMs       int     `json:"debounce_ms,omitempty"`        // draft flush throttle (default 1000)
	TypingIntervalMs int     `json:"typing_interval_ms,omitempty"` // typing keepalive (default 4000)
	TypingMaxMs      int     `json:"typing_max_ms,omitempty"`      // typing safety stop (default 120000)
	OutboundRPS      float64 `json:"outbound_rps,omitempty"`       // sends per second per chat (0 = unlimited)
	OutboundBurst    int     `json:"outbound_burst,omitempty"`
}

// CommandsConfig controls text control commands and who may run them.
type CommandsConfig struct {
	Text                    *bool    `json:"text,omitempty"` // default true
	UseAccessGroups         bool     `json:"use_access_groups,omitempty"`
	ModeWhenAccessGroupsOff string   `json:"mode_when_access_groups_off,omitempty"` // "allow", "deny", "configured" (default)
	Extra                   []string `json:"extra,omitempty"`                       // additional command names
}

func (c CommandsConfig) TextEnabled() bool { return c.Text == nil || *c.Text }

// SessionsConfig controls session keys and route persistence.
type SessionsConfig struct {
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default), "per-account-channel-peer"
	MainKey string `json:"main_key,omitempty"` // used when dm_scope="main"

	RouteStore          string `json:"route_store,omitempty"`           // "file" (default), "sqlite", "postgres"
	Storage             string `json:"storage,omitempty"`               // file backend directory
	SQLitePath          string `json:"sqlite_path,omitempty"`           // sqlite backend database file
	RouteRetentionHours int    `json:"route_retention_hours,omitempty"` // 0 disables pruning
	RoutePruneCron      string `json:"route_prune_cron,omitempty"`
}

func (s SessionsConfig) RouteRetention() time.Duration {
	return time.Duration(s.RouteRetentionHours) * time.Hour
}

// DatabaseConfig configures Postgres for the postgres route store.
// PostgresDSN is NEVER read from config.json (secret), only from env CLAWRELAY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "clawrelay"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "clawrelay")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env CLAWRELAY_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Gateway = src.Gateway
	c.Dedupe = src.Dedupe
	c.Reconnect = src.Reconnect
	c.Delivery = src.Delivery
	c.Commands = src.Commands
	c.Channels = src.Channels
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Snapshot returns a copy of the channel and command sections, which are the
// parts that change on hot reload.
func (c *Config) Snapshot() (ChannelsConfig, CommandsConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels, c.Commands
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func ptr[T any](v T) *T { return &v }
