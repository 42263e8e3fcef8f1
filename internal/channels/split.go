package channels

import "strings"

// SplitMessage breaks text into pieces of at most limit runes, preferring to
// cut at the last newline, then the last space, inside each window.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}
		if cut <= 0 {
			parts = append(parts, window)
			runes = runes[limit:]
			continue
		}
		n := len([]rune(window[:cut]))
		parts = append(parts, string(runes[:n]))
		runes = runes[n+1:]
	}
	if len(runes) > 0 || len(parts) == 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
