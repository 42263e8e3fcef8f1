package channels

// CommandAuthorizer is one source of command permission, e.g. the DM
// allowlist or the group sender allowlist.
type CommandAuthorizer struct {
	Configured bool
	Allowed    bool
}

// AccessGroupsMode decides command authorization when access groups are off.
type AccessGroupsMode string

const (
	AccessGroupsAllow      AccessGroupsMode = "allow"
	AccessGroupsDeny       AccessGroupsMode = "deny"
	AccessGroupsConfigured AccessGroupsMode = "configured"
)

// ResolveCommandAuthorized combines authorizers: any configured authorizer
// that allows the sender authorizes. With access groups off, mode decides;
// "configured" with nothing configured authorizes everyone.
func ResolveCommandAuthorized(useAccessGroups bool, authorizers []CommandAuthorizer, modeWhenOff AccessGroupsMode) bool {
	if !useAccessGroups {
		switch modeWhenOff {
		case AccessGroupsAllow:
			return true
		case AccessGroupsDeny:
			return false
		}
		if !anyConfigured(authorizers) {
			return true
		}
	}
	for _, a := range authorizers {
		if a.Configured && a.Allowed {
			return true
		}
	}
	return false
}

func anyConfigured(authorizers []CommandAuthorizer) bool {
	for _, a := range authorizers {
		if a.Configured {
			return true
		}
	}
	return false
}

// CommandGateParams are the inputs to the control command gate.
type CommandGateParams struct {
	UseAccessGroups         bool
	Authorizers             []CommandAuthorizer
	ModeWhenAccessGroupsOff AccessGroupsMode
	AllowTextCommands       bool
	HasControlCommand       bool
}

// CommandGateResult is the command gate outcome.
type CommandGateResult struct {
	CommandAuthorized bool `json:"commandAuthorized"`
	ShouldBlock       bool `json:"shouldBlock"`
}

// ResolveControlCommandGate blocks a recognized control command from a
// sender that is not authorized to issue it.
func ResolveControlCommandGate(p CommandGateParams) CommandGateResult {
	authorized := ResolveCommandAuthorized(p.UseAccessGroups, p.Authorizers, p.ModeWhenAccessGroupsOff)
	return CommandGateResult{
		CommandAuthorized: authorized,
		ShouldBlock:       p.AllowTextCommands && p.HasControlCommand && !authorized,
	}
}
