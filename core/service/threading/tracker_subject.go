package threading

import (
	"regexp"
	"strings"
)

var (
	replyPrefixes = []string{
		"re", "aw", "sv", "vs", "antw", "odp", "rv", "r", "ynt", "atb", "res",
		"回复", "答复", "返信", "회신", "答覆",
	}
	forwardPrefixes = []string{
		"fw", "fwd", "wg", "tr", "enc", "rv", "doorst", "vl", "továbbítás", "pd",
		"转发", "轉寄", "転送", "전달",
	}

	// prefix followed by an optional counter like "[2]" or "(3)" and a
	// colon. Full-width colons appear in CJK clients.
	prefixPattern = regexp.MustCompile(`(?i)^\s*([\p{L}]{1,12})\s*(?:\[\d+\]|\(\d+\))?\s*[:：]\s*`)
	tagPattern    = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

type prefixKind int

const (
	prefixNone prefixKind = iota
	prefixReply
	prefixForward
)

var prefixKinds = func() map[string]prefixKind {
	m := make(map[string]prefixKind)
	for _, p := range forwardPrefixes {
		m[p] = prefixForward
	}
	// reply wins for prefixes used in both lists
	for _, p := range replyPrefixes {
		m[p] = prefixReply
	}
	return m
}()

func leadingPrefix(subject string) (prefixKind, int) {
	m := prefixPattern.FindStringSubmatchIndex(subject)
	if m == nil {
		return prefixNone, 0
	}
	word := strings.ToLower(subject[m[2]:m[3]])
	kind, ok := prefixKinds[word]
	if !ok {
		return prefixNone, 0
	}
	return kind, m[1]
}

// NormalizeSubject strips reply/forward prefixes and leading bracket tags
// for comparison. Tags are stripped repeatedly, like prefixes, so the result
// is idempotent: "[A] [B] x" normalizes to "x", not "[b] x".
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		if kind, end := leadingPrefix(s); kind != prefixNone {
			s = strings.TrimSpace(s[end:])
			continue
		}
		// a subject that is only a tag keeps it
		if loc := tagPattern.FindStringIndex(s); loc != nil && loc[1] < len(s) {
			s = strings.TrimSpace(s[loc[1]:])
			continue
		}
		break
	}
	return strings.ToLower(spacePattern.ReplaceAllString(s, " "))
}

// HasReplyPrefix reports whether the subject starts with a reply prefix.
func HasReplyPrefix(subject string) bool {
	kind, _ := leadingPrefix(stripTag(subject))
	return kind == prefixReply
}

// HasForwardPrefix reports whether the subject starts with a forward prefix.
func HasForwardPrefix(subject string) bool {
	kind, _ := leadingPrefix(stripTag(subject))
	return kind == prefixForward
}

func stripTag(subject string) string {
	if kind, _ := leadingPrefix(subject); kind != prefixNone {
		return subject
	}
	if loc := tagPattern.FindStringIndex(subject); loc != nil {
		return subject[loc[1]:]
	}
	return subject
}
