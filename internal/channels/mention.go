package channels

// MentionGateParams are the inputs to the group mention gate.
type MentionGateParams struct {
	RequireMention   bool
	CanDetectMention bool
	WasMentioned     bool
	ImplicitMention  bool // e.g. a reply to one of the bot's messages
	ShouldBypass     bool
}

// MentionGateResult is the mention gate outcome.
type MentionGateResult struct {
	EffectiveWasMentioned bool `json:"effectiveWasMentioned"`
	ShouldSkip            bool `json:"shouldSkip"`
	ShouldBypassMention   bool `json:"shouldBypassMention"`
}

// ResolveMentionGating skips a message only when a mention is required, the
// adapter can tell whether one happened, and none effectively did.
func ResolveMentionGating(p MentionGateParams) MentionGateResult {
	effective := p.WasMentioned || p.ImplicitMention || p.ShouldBypass
	return MentionGateResult{
		EffectiveWasMentioned: effective,
		ShouldSkip:            p.RequireMention && p.CanDetectMention && !effective,
		ShouldBypassMention:   p.ShouldBypass,
	}
}

// MentionBypassParams extends the gate with what is needed to let an
// authorized control command through without a mention.
type MentionBypassParams struct {
	IsGroup           bool
	RequireMention    bool
	CanDetectMention  bool
	WasMentioned      bool
	ImplicitMention   bool
	HasAnyMention     bool
	AllowTextCommands bool
	HasControlCommand bool
	CommandAuthorized bool
}

// ResolveMentionGatingWithBypass lets an authorized control command through
// in a group where nobody at all was mentioned.
func ResolveMentionGatingWithBypass(p MentionBypassParams) MentionGateResult {
	bypass := p.IsGroup &&
		p.RequireMention &&
		!p.WasMentioned &&
		!p.HasAnyMention &&
		p.AllowTextCommands &&
		p.CommandAuthorized &&
		p.HasControlCommand

	return ResolveMentionGating(MentionGateParams{
		RequireMention:   p.RequireMention,
		CanDetectMention: p.CanDetectMention,
		WasMentioned:     p.WasMentioned,
		ImplicitMention:  p.ImplicitMention,
		ShouldBypass:     bypass,
	})
}
