package channels

import "strings"

// MatchSource names the sender facet that satisfied an allowlist.
type MatchSource string

const (
	MatchNone     MatchSource = ""
	MatchWildcard MatchSource = "wildcard"
	MatchID       MatchSource = "id"
	MatchName     MatchSource = "name"
	MatchUsername MatchSource = "username"
	MatchTag      MatchSource = "tag"
)

// AllowlistMatch is the outcome of checking a sender against an allowlist.
type AllowlistMatch struct {
	Allowed     bool        `json:"allowed"`
	MatchKey    string      `json:"matchKey,omitempty"`
	MatchSource MatchSource `json:"matchSource,omitempty"`
}

// Sender carries the identity facets a provider exposes for one sender.
type Sender struct {
	ID       string
	Name     string
	Username string
	Tag      string
}

// SenderFromID splits the compound "123456|username" form some adapters
// use for SenderID.
func SenderFromID(senderID string) Sender {
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		return Sender{ID: senderID[:idx], Username: senderID[idx+1:]}
	}
	return Sender{ID: senderID}
}

// Allowlist is a normalized set of allowed sender keys.
type Allowlist struct {
	entries  map[string]struct{}
	wildcard bool
}

// NormalizeAllowlist trims, lowercases and drops empty entries. A leading
// "@" is stripped, and compound "id|username" entries contribute both keys.
func NormalizeAllowlist(raw []string) Allowlist {
	a := Allowlist{entries: make(map[string]struct{}, len(raw))}
	for _, e := range raw {
		for _, part := range strings.Split(e, "|") {
			k := normalizeKey(part)
			if k == "" {
				continue
			}
			if k == "*" {
				a.wildcard = true
			}
			a.entries[k] = struct{}{}
		}
	}
	return a
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

// Empty reports whether the list imposes no restriction.
func (a Allowlist) Empty() bool { return len(a.entries) == 0 }

// Len returns the number of normalized entries.
func (a Allowlist) Len() int { return len(a.entries) }

// Match checks s with precedence wildcard, id, name, username, tag.
// An empty list allows everyone.
func (a Allowlist) Match(s Sender) AllowlistMatch {
	if a.Empty() {
		return AllowlistMatch{Allowed: true}
	}
	if a.wildcard {
		return AllowlistMatch{Allowed: true, MatchKey: "*", MatchSource: MatchWildcard}
	}

	candidates := []struct {
		value  string
		source MatchSource
	}{
		{s.ID, MatchID},
		{s.Name, MatchName},
		{s.Username, MatchUsername},
		{s.Tag, MatchTag},
	}
	for _, c := range candidates {
		k := normalizeKey(c.value)
		if k == "" {
			continue
		}
		if _, ok := a.entries[k]; ok {
			return AllowlistMatch{Allowed: true, MatchKey: k, MatchSource: c.source}
		}
	}
	return AllowlistMatch{}
}

// ResolveAllowlistMatch normalizes raw and matches s in one step.
func ResolveAllowlistMatch(raw []string, s Sender) AllowlistMatch {
	return NormalizeAllowlist(raw).Match(s)
}
