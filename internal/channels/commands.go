package channels

import (
	"sort"
	"strings"
)

// DefaultControlCommands are the text commands handled by the gateway
// rather than passed to the agent as ordinary conversation.
var DefaultControlCommands = []string{
	"help", "commands", "status", "whoami", "id",
	"reset", "new", "stop", "compact",
	"model", "models", "think", "verbose", "reasoning", "usage",
	"activation", "queue", "context", "restart",
}

// CommandSet recognizes control commands.
type CommandSet struct {
	names map[string]struct{}
}

// NewCommandSet builds a set from DefaultControlCommands plus extra names.
func NewCommandSet(extra ...string) *CommandSet {
	s := &CommandSet{names: make(map[string]struct{}, len(DefaultControlCommands)+len(extra))}
	for _, n := range DefaultControlCommands {
		s.names[n] = struct{}{}
	}
	for _, n := range extra {
		n = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(n), "/"))
		if n != "" {
			s.names[n] = struct{}{}
		}
	}
	return s
}

// ParseCommand extracts the command name from text like "/status@MyBot args".
// A command addressed to a different bot ("@OtherBot") is not ours and
// returns ok=false. botUsername may be empty when the adapter does not know it.
func ParseCommand(text, botUsername string) (name string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return "", false
	}
	head := text[1:]
	if i := strings.IndexAny(head, " \t\n"); i >= 0 {
		head = head[:i]
	}
	head = strings.TrimSuffix(head, ":")

	if at := strings.IndexByte(head, '@'); at >= 0 {
		target := head[at+1:]
		head = head[:at]
		if botUsername != "" && !strings.EqualFold(target, strings.TrimPrefix(botUsername, "@")) {
			return "", false
		}
	}
	if head == "" {
		return "", false
	}
	return strings.ToLower(head), true
}

// Has reports whether text is a control command in this set.
func (s *CommandSet) Has(text, botUsername string) bool {
	name, ok := ParseCommand(text, botUsername)
	if !ok {
		return false
	}
	_, known := s.names[name]
	return known
}

// Names returns the recognized commands, sorted.
func (s *CommandSet) Names() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
