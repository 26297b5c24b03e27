package protocol

import (
	"strings"

	"github.com/cpunion/feedsync/pkg/types"
)

// Span returns the byte range [start, end) of the marked block in body,
// markers included. ok is false when the start marker is missing.
// A missing end marker extends the block to the end of body.
func (m Markers) Span(body string) (start, end int, ok bool) {
	start = strings.Index(body, m.Start)
	if start < 0 {
		return 0, 0, false
	}
	rel := strings.Index(body[start+len(m.Start):], m.End)
	if rel < 0 {
		return start, len(body), true
	}
	return start, start + len(m.Start) + rel + len(m.End), true
}

// Extract returns the text between the markers.
func (m Markers) Extract(body string) (string, bool) {
	start, end, ok := m.Span(body)
	if !ok {
		return "", false
	}
	inner := body[start+len(m.Start) : end]
	inner = strings.TrimSuffix(inner, m.End)
	return inner, true
}

// Contains reports whether body holds a marked block.
func (m Markers) Contains(body string) bool {
	return strings.Contains(body, m.Start)
}

// Embed replaces the marked block of body with block. When body has no
// block, block is appended after a blank line. Text outside the block is kept.
func (m Markers) Embed(body, block string) string {
	start, end, ok := m.Span(body)
	if !ok {
		if strings.TrimSpace(body) == "" {
			return block
		}
		return strings.TrimRight(body, "\n") + "\n\n" + block
	}
	return body[:start] + block + body[end:]
}

// HasBlock reports whether body holds the marked block of any surface.
func HasBlock(body string) bool {
	for _, s := range types.AllSurfaces() {
		if MustLookup(s).Markers.Contains(body) {
			return true
		}
	}
	return false
}

// Locate returns the index of the last body holding a marked block, or -1.
func (m Markers) Locate(bodies []string) int {
	for i := len(bodies) - 1; i >= 0; i-- {
		if m.Contains(bodies[i]) {
			return i
		}
	}
	return -1
}

// Extract decodes the document embedded in body. ok is false when body has no block.
func Extract(surface types.Surface, body string, opts DecodeOptions) (doc *types.Document, warnings []Warning, ok bool) {
	inner, ok := MustLookup(surface).Markers.Extract(body)
	if !ok {
		return types.NewDocument(surface), nil, false
	}
	doc, warnings = Decode(surface, inner, opts)
	return doc, warnings, true
}

// Embed writes doc into body, replacing the previous block of the same surface.
func Embed(body string, doc *types.Document) string {
	return MustLookup(doc.Surface).Markers.Embed(body, Encode(doc))
}

// Find returns the index of the message body holding the surface's document, or -1.
func Find(surface types.Surface, bodies []string) int {
	return MustLookup(surface).Markers.Locate(bodies)
}
