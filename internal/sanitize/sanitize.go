// Package sanitize cleans untrusted text before it is interpolated into a
// model prompt. None of its functions fail: bad input degrades to "".
package sanitize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/InterviewPipe/internal/models"
)

const (
	// DefaultMaxLength bounds user-supplied text.
	DefaultMaxLength = 4000
	// DefaultConfigMaxLength bounds admin-authored configuration strings.
	DefaultConfigMaxLength = 1000
	// FilteredMarker replaces every matched injection pattern.
	FilteredMarker = "[FILTERED]"

	ellipsis = "…"
)

// injectionPatterns covers instruction overrides, role hijacks, prompt
// extraction and fake delimiter blocks, in English and Italian.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|override)\s+(?:all\s+)?(?:of\s+)?(?:the\s+|your\s+|any\s+)?(?:previous|prior|above|earlier|preceding)\s+(?:instructions?|prompts?|rules|directions|context)\b`),
	regexp.MustCompile(`(?i)\b(?:forget|ignore)\s+(?:all\s+)?(?:your|the)\s+(?:instructions|rules|guidelines)\b`),
	regexp.MustCompile(`(?i)\bignora\s+(?:tutte\s+)?(?:le\s+)?istruzioni(?:\s+precedenti)?\b`),
	regexp.MustCompile(`(?i)\bdimentica\s+(?:tutte\s+)?(?:le\s+)?(?:tue\s+)?istruzioni\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the|in|my)\b`),
	regexp.MustCompile(`(?i)\b(?:pretend\s+to\s+be|act\s+as\s+if\s+you\s+(?:are|were)|roleplay\s+as)\b`),
	regexp.MustCompile(`(?i)\b(?:enter|enable|activate)\s+(?:developer|dan|god|jailbreak)\s+mode\b`),
	regexp.MustCompile(`(?i)\b(?:reveal|show|print|repeat|output|display|tell\s+me)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+|initial\s+|hidden\s+)?(?:prompt|instructions)\b`),
	regexp.MustCompile(`(?i)\bmostrami\s+(?:il\s+)?(?:tuo\s+)?prompt(?:\s+di\s+sistema)?\b`),
	regexp.MustCompile(`(?i)\[/?(?:system|inst|assistant|user)\]`),
	regexp.MustCompile(`(?i)<\|(?:im_start|im_end|system|user|assistant|endoftext)\|>`),
	regexp.MustCompile(`(?i)<</?sys>>`),
	regexp.MustCompile(`(?im)^\s*#{2,}\s*(?:system|instructions?)\s*:?`),
}

// Sanitize strips control and zero-width characters, replaces known
// injection patterns with FilteredMarker and truncates to maxLength runes
// plus an ellipsis. A non-positive maxLength selects DefaultMaxLength.
func Sanitize(input string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	out := stripChars(input)
	for _, re := range injectionPatterns {
		out = re.ReplaceAllString(out, FilteredMarker)
	}
	return truncate(strings.TrimSpace(out), maxLength)
}

// Config applies character stripping and truncation only. Used for
// admin-authored strings. A non-positive maxLength selects DefaultConfigMaxLength.
func Config(value string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultConfigMaxLength
	}
	return truncate(strings.TrimSpace(stripChars(value)), maxLength)
}

// Transcript renders messages as a role-prefixed transcript. Messages are
// sanitized one by one and dropped whole once maxTotal runes would be exceeded.
func Transcript(messages []models.Message, maxTotal int) string {
	var b strings.Builder
	total := 0
	for _, m := range messages {
		content := Sanitize(m.Content, DefaultMaxLength)
		if content == "" {
			continue
		}
		line := rolePrefix(m.Role) + ": " + content + "\n"
		n := len([]rune(line))
		if maxTotal > 0 && total+n > maxTotal {
			break
		}
		b.WriteString(line)
		total += n
	}
	return strings.TrimRight(b.String(), "\n")
}

// Array sanitizes each item, drops empty results and caps the list at maxItems.
func Array(items []string, maxPerItem, maxItems int) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
		if s := Sanitize(it, maxPerItem); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func rolePrefix(r models.Role) string {
	if r == models.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// stripChars NFKC-normalises s and drops control and zero-width runes,
// keeping newline, tab and carriage return.
func stripChars(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return r
		}
		if unicode.IsControl(r) || isZeroWidth(r) {
			return -1
		}
		return r
	}, s)
}

func isZeroWidth(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F, r >= 0x202A && r <= 0x202E, r >= 0x2060 && r <= 0x2064, r >= 0x2066 && r <= 0x2069:
		return true
	case r == 0xFEFF, r == 0x00AD, r == 0x180E:
		return true
	}
	return false
}

func truncate(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	return string(runes[:maxLength]) + ellipsis
}
