package protocol

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/cpunion/feedsync/pkg/types"
)

// timeLayouts are accepted when decoding a timestamp field.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTime parses a timestamp field. An empty or unparsable field yields the zero time.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTime renders a timestamp field; the zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// ReplyID derives a stable id for a reply that carries none, so decoding the
// same fragment twice yields the same reply.
func ReplyID(kind types.ReplyKind, threadID, parentID, author, body string) string {
	return "r" + digest(string(kind), threadID, parentID, author, body)
}

// EventID derives a stable id for a world event that carries none.
func EventID(scene, characters, body string) string {
	return "e" + digest(scene, characters, body)
}

func digest(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%012x", h.Sum64()&0xffffffffffff)
}
