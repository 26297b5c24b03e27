package protocol

import (
	"fmt"
	"strings"

	"github.com/cpunion/feedsync/pkg/types"
)

// Token is one bracketed entity found in the input.
type Token struct {
	Kind   types.Kind
	Fields []string
	Offset int // byte offset of '[' in the input
	Raw    string
}

// Field returns the i-th field or "" when absent.
func (t Token) Field(i int) string {
	if i < 0 || i >= len(t.Fields) {
		return ""
	}
	return t.Fields[i]
}

// Warning reports a token of a known kind that could not be decoded.
// Warnings never block decoding; the offending token is skipped.
type Warning struct {
	Offset int
	Kind   types.Kind
	Raw    string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("offset %d: %s: %s", w.Offset, w.Reason, truncate(w.Raw, 60))
}

// Tokenize scans text for tokens whose kind is accepted. Bracketed text of
// other kinds (for example "[笑]" in prose) is ignored without a warning.
func Tokenize(text string, accept func(types.Kind) bool) ([]Token, []Warning) {
	var (
		tokens   []Token
		warnings []Warning
	)
	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '[')
		if open < 0 {
			break
		}
		start := i + open
		rest := text[start+1:]
		end := strings.IndexAny(rest, "[]")
		if end < 0 {
			if kind, ok := headKind(rest); ok && accept(kind) {
				warnings = append(warnings, Warning{Offset: start, Kind: kind, Raw: text[start:], Reason: "unterminated token"})
			}
			break
		}
		if rest[end] == '[' {
			// A new token opens before this one closes.
			if kind, ok := headKind(rest[:end]); ok && accept(kind) {
				warnings = append(warnings, Warning{Offset: start, Kind: kind, Raw: text[start : start+1+end], Reason: "unterminated token"})
			}
			i = start + 1 + end
			continue
		}

		body := rest[:end]
		raw := text[start : start+end+2]
		i = start + end + 2

		parts := strings.Split(body, "|")
		kind := types.Kind(strings.TrimSpace(parts[0]))
		if !accept(kind) {
			continue
		}
		fields := make([]string, 0, len(parts)-1)
		for _, p := range parts[1:] {
			fields = append(fields, strings.TrimSpace(p))
		}
		tokens = append(tokens, Token{Kind: kind, Fields: fields, Offset: start, Raw: raw})
	}
	return tokens, warnings
}

// headKind extracts the kind keyword of a token body that has at least one separator.
func headKind(body string) (types.Kind, bool) {
	sep := strings.IndexByte(body, '|')
	if sep < 0 {
		return "", false
	}
	return types.Kind(strings.TrimSpace(body[:sep])), true
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
