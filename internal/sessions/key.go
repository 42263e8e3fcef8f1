// Package sessions builds conversation keys and records where each
// conversation's replies are delivered.
//
// Session keys have the form:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation:
//
//	DM:           {channel}:direct:{peerId}
//	DM (account): {channel}:{accountId}:direct:{peerId}
//	Group:        {channel}:group:{groupId}
//	Thread/topic: {channel}:group:{groupId}:topic:{threadId}
//
// Examples:
//
//	agent:default:telegram:direct:386246614
//	agent:default:telegram:group:-100123456
//	agent:default:telegram:group:-100123456:topic:99
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// DefaultAgentID is used when the dispatcher has no agent configured.
const DefaultAgentID = "default"

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	DM:    agent:{agentId}:{channel}:direct:{peerID}
//	Group: agent:{agentId}:{channel}:group:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum topic or thread.
//
//	agent:{agentId}:{channel}:group:{chatID}:topic:{threadID}
func BuildGroupTopicSessionKey(agentID, channel, chatID, threadID string) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%s", agentID, channel, chatID, threadID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// Used when dm_scope="main": all DMs share one session per agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// KeyParams describes one inbound conversation for BuildScopedSessionKey.
type KeyParams struct {
	AgentID   string
	Channel   string
	AccountID string
	Kind      PeerKind
	ChatID    string
	ThreadID  string
	Scope     string // "global" or "per-sender" (default)
	DMScope   string // main | per-peer | per-channel-peer (default) | per-account-channel-peer
	MainKey   string
}

// BuildScopedSessionKey builds a session key based on scope config.
//
// scope:
//   - "global"     → "global"
//   - "per-sender" → depends on dmScope (default)
//
// dmScope (for DMs only; groups always use the full key):
//   - "main"                     → agent:{agentId}:{mainKey}
//   - "per-peer"                 → agent:{agentId}:direct:{peerId}
//   - "per-channel-peer"         → agent:{agentId}:{channel}:direct:{peerId}  (default)
//   - "per-account-channel-peer" → agent:{agentId}:{channel}:{accountId}:direct:{peerId}
func BuildScopedSessionKey(p KeyParams) string {
	if p.Scope == "global" {
		return "global"
	}
	if p.AgentID == "" {
		p.AgentID = DefaultAgentID
	}

	if p.Kind == PeerGroup {
		if p.ThreadID != "" {
			return BuildGroupTopicSessionKey(p.AgentID, p.Channel, p.ChatID, p.ThreadID)
		}
		return BuildSessionKey(p.AgentID, p.Channel, PeerGroup, p.ChatID)
	}

	switch p.DMScope {
	case "main":
		return BuildAgentMainSessionKey(p.AgentID, p.MainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", p.AgentID, p.ChatID)
	case "per-account-channel-peer":
		if p.AccountID != "" {
			return fmt.Sprintf("agent:%s:%s:%s:direct:%s", p.AgentID, p.Channel, p.AccountID, p.ChatID)
		}
		return BuildSessionKey(p.AgentID, p.Channel, PeerDirect, p.ChatID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(p.AgentID, p.Channel, PeerDirect, p.ChatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
