package channels

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/dedupe"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

// Admission outcomes, also used as the metric label.
const (
	OutcomeAdmitted            = "admitted"
	OutcomeDuplicate           = "duplicate"
	OutcomePolicyDisabled      = "policy_disabled"
	OutcomeNotAllowlisted      = "not_allowlisted"
	OutcomeMentionRequired     = "mention_required"
	OutcomeCommandUnauthorized = "command_unauthorized"
)

// AdmissionConfig is the per-channel admission configuration.
type AdmissionConfig struct {
	DMPolicy       DMPolicy
	GroupPolicy    GroupPolicy
	AllowFrom      []string
	GroupAllowFrom []string
	RequireMention bool

	TextCommands            bool
	UseAccessGroups         bool
	ModeWhenAccessGroupsOff AccessGroupsMode
	ExtraCommands           []string
}

// Decision is the result of running one inbound message through the pipeline.
type Decision struct {
	Admit            bool              `json:"admit"`
	Reason           string            `json:"reason"`
	IsControlCommand bool              `json:"isControlCommand,omitempty"`
	Allowlist        AllowlistMatch    `json:"allowlist"`
	Mention          MentionGateResult `json:"mention"`
	Command          CommandGateResult `json:"command"`
}

type admissionState struct {
	cfg        AdmissionConfig
	allow      Allowlist
	groupAllow Allowlist
	commands   *CommandSet
}

// Pipeline runs the dedupe check and the admission gates for one channel.
// It is safe for concurrent use; Update swaps the configuration atomically.
type Pipeline struct {
	channel string
	seen    *dedupe.Cache
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state admissionState
}

// NewPipeline creates a pipeline. seen may be shared across channels since
// fingerprints include the channel name; nil disables dedupe.
func NewPipeline(channel string, cfg AdmissionConfig, seen *dedupe.Cache, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{channel: channel, seen: seen, metrics: m}
	p.state = buildAdmissionState(cfg)
	return p
}

func buildAdmissionState(cfg AdmissionConfig) admissionState {
	if cfg.DMPolicy == "" {
		cfg.DMPolicy = DMPolicyAllowlist
	}
	if cfg.GroupPolicy == "" {
		cfg.GroupPolicy = GroupPolicyAllowlist
	}
	if cfg.ModeWhenAccessGroupsOff == "" {
		cfg.ModeWhenAccessGroupsOff = AccessGroupsConfigured
	}
	return admissionState{
		cfg:        cfg,
		allow:      NormalizeAllowlist(cfg.AllowFrom),
		groupAllow: NormalizeAllowlist(cfg.GroupAllowFrom),
		commands:   NewCommandSet(cfg.ExtraCommands...),
	}
}

// Update replaces the configuration (config hot reload).
func (p *Pipeline) Update(cfg AdmissionConfig) {
	st := buildAdmissionState(cfg)
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
}

// Config returns the active configuration.
func (p *Pipeline) Config() AdmissionConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.cfg
}

// IsAllowed checks senderID against the DM allowlist.
func (p *Pipeline) IsAllowed(senderID string) bool {
	p.mu.RLock()
	allow := p.state.allow
	p.mu.RUnlock()
	return allow.Match(SenderFromID(senderID)).Allowed
}

// Evaluate decides whether msg reaches the agent. Gates run in order:
// dedupe, DM/group policy with its allowlist, mention, control command.
// Nothing but the dedupe cache is mutated.
func (p *Pipeline) Evaluate(msg bus.InboundMessage) Decision {
	p.mu.RLock()
	st := p.state
	p.mu.RUnlock()

	var d Decision

	if p.seen != nil && msg.MessageID != "" {
		fp := dedupe.Fingerprint(msg.Channel, msg.AccountID, msg.ChatID, msg.MessageID)
		if p.seen.SeenRecently(fp) {
			return p.reject(msg, d, OutcomeDuplicate)
		}
	}

	sender := SenderFromID(msg.SenderID)
	if msg.SenderName != "" {
		sender.Name = msg.SenderName
	}
	if msg.SenderUsername != "" {
		sender.Username = msg.SenderUsername
	}
	sender.Tag = msg.SenderTag

	isGroup := msg.IsGroup()
	list := st.allow
	policy := string(st.cfg.DMPolicy)
	if isGroup {
		policy = string(st.cfg.GroupPolicy)
		if !st.groupAllow.Empty() {
			list = st.groupAllow
		}
	}

	d.Allowlist = list.Match(sender)
	switch policy {
	case string(DMPolicyDisabled):
		return p.reject(msg, d, OutcomePolicyDisabled)
	case string(DMPolicyAllowlist):
		if !d.Allowlist.Allowed {
			return p.reject(msg, d, OutcomeNotAllowlisted)
		}
	}

	hasCommand := st.cfg.TextCommands && st.commands.Has(msg.Content, msg.BotUsername)
	d.IsControlCommand = hasCommand
	d.Command = ResolveControlCommandGate(CommandGateParams{
		UseAccessGroups: st.cfg.UseAccessGroups,
		Authorizers: []CommandAuthorizer{
			{Configured: !st.allow.Empty(), Allowed: st.allow.Match(sender).Allowed},
			{Configured: !st.groupAllow.Empty(), Allowed: st.groupAllow.Match(sender).Allowed},
		},
		ModeWhenAccessGroupsOff: st.cfg.ModeWhenAccessGroupsOff,
		AllowTextCommands:       st.cfg.TextCommands,
		HasControlCommand:       hasCommand,
	})

	if isGroup {
		d.Mention = ResolveMentionGatingWithBypass(MentionBypassParams{
			IsGroup:           true,
			RequireMention:    st.cfg.RequireMention,
			CanDetectMention:  msg.CanDetectMention,
			WasMentioned:      msg.WasMentioned,
			ImplicitMention:   msg.ImplicitMention,
			HasAnyMention:     msg.HasAnyMention,
			AllowTextCommands: st.cfg.TextCommands,
			HasControlCommand: hasCommand,
			CommandAuthorized: d.Command.CommandAuthorized,
		})
		if d.Mention.ShouldSkip {
			return p.reject(msg, d, OutcomeMentionRequired)
		}
	} else {
		d.Mention = ResolveMentionGating(MentionGateParams{
			WasMentioned:    msg.WasMentioned,
			ImplicitMention: msg.ImplicitMention,
		})
	}

	if d.Command.ShouldBlock {
		return p.reject(msg, d, OutcomeCommandUnauthorized)
	}

	d.Admit = true
	d.Reason = OutcomeAdmitted
	p.metrics.RecordAdmission(p.channel, OutcomeAdmitted)
	return d
}

func (p *Pipeline) reject(msg bus.InboundMessage, d Decision, reason string) Decision {
	d.Admit = false
	d.Reason = reason
	p.metrics.RecordAdmission(p.channel, reason)
	slog.Debug("inbound skipped",
		"channel", p.channel,
		"chat_id", msg.ChatID,
		"sender_id", msg.SenderID,
		"reason", reason,
		"match_source", string(d.Allowlist.MatchSource),
		"preview", Truncate(msg.Content, 50),
	)
	return d
}
