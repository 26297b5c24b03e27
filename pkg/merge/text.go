package merge

import (
	"strings"

	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/types"
)

// DecodeCanonical decodes an existing canonical document. The text may be a
// whole message body holding the marked block, or bare protocol tokens.
func DecodeCanonical(surface types.Surface, text string) (*types.Document, []protocol.Warning) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if doc, warnings, ok := protocol.Extract(surface, text, protocol.DecodeOptions{}); ok {
		return doc, warnings
	}
	return protocol.Decode(surface, text, protocol.DecodeOptions{})
}

// MergeText decodes both texts, merges them and encodes the result as a canonical block.
func MergeText(surface types.Surface, existingText, fragmentText string, opts Options) (string, Report) {
	existing, _ := DecodeCanonical(surface, existingText)
	fragment, warnings := protocol.Decode(surface, fragmentText, protocol.DecodeOptions{})
	doc, rep := MergeWithReport(existing, fragment, opts)
	rep.Warnings = append(warnings, rep.Warnings...)
	return protocol.Encode(doc), rep
}
