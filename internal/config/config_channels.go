package config

import (
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
)

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Signal   SignalConfig   `json:"signal"`
	Webchat  WebchatConfig  `json:"webchat"`
}

// ChannelAccess is the admission section shared by every channel.
type ChannelAccess struct {
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	GroupAllowFrom FlexibleStringSlice `json:"group_allow_from,omitempty"` // falls back to allow_from
	DMPolicy       string              `json:"dm_policy,omitempty"`        // "allowlist" (default), "open", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`     // "allowlist" (default), "open", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"`  // require @bot mention in groups (default true)
	Reconnect      *ReconnectConfig    `json:"reconnect,omitempty"`        // overrides the top-level reconnect section
}

// Admission builds the pipeline config for this channel.
func (a ChannelAccess) Admission(cmds CommandsConfig) channels.AdmissionConfig {
	mode := channels.AccessGroupsMode(cmds.ModeWhenAccessGroupsOff)
	if mode == "" {
		mode = channels.AccessGroupsConfigured
	}
	return channels.AdmissionConfig{
		DMPolicy:                channels.DMPolicy(a.DMPolicy),
		GroupPolicy:             channels.GroupPolicy(a.GroupPolicy),
		AllowFrom:               a.AllowFrom,
		GroupAllowFrom:          a.GroupAllowFrom,
		RequireMention:          a.RequireMention == nil || *a.RequireMention,
		TextCommands:            cmds.TextEnabled(),
		UseAccessGroups:         cmds.UseAccessGroups,
		ModeWhenAccessGroupsOff: mode,
		ExtraCommands:           cmds.Extra,
	}
}

// ReconnectFor merges the channel override over the global section.
func (a ChannelAccess) ReconnectFor(global ReconnectConfig) ReconnectConfig {
	if a.Reconnect == nil {
		return global
	}
	return a.Reconnect.Merge(global)
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Proxy   string `json:"proxy,omitempty"`
	// StreamMode: "off" (default) sends segments as new messages; "partial"
	// edits one preview message while streaming.
	StreamMode string `json:"stream_mode,omitempty"`
	ChannelAccess
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	StreamMode string `json:"stream_mode,omitempty"`
	ChannelAccess
}

// WhatsAppConfig points at a WhatsApp WebSocket bridge.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled"`
	BridgeURL string `json:"bridge_url"`
	AccountID string `json:"account_id,omitempty"`
	ChannelAccess
}

// SignalConfig points at a signal-cli REST API in json-rpc mode.
type SignalConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"` // e.g. "http://localhost:8080"
	Account string `json:"account"`  // registered number, e.g. "+15551234567"
	ChannelAccess
}

// WebchatConfig controls chat.send from gateway WebSocket clients.
type WebchatConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true
	ChannelAccess
}

func (w WebchatConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }
