package orchestrator

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownStyle = errors.New("orchestrator: unknown style")

// DefaultStyle is used when a request names no style.
const DefaultStyle = "default"

// BuiltinStyles are the style templates shipped with the engine.
// Config entries with the same id replace them.
var BuiltinStyles = map[string]string{
	DefaultStyle: "语气自然，像真实的网友在聊天，长短不一，偶尔带点表情。",
	"humor":      "幽默搞笑，多用梗和夸张的比喻，评论区互相接梗。",
	"serious":    "认真理性，有理有据，少用表情，像专业的讨论区。",
	"gossip":     "八卦吃瓜，热衷猜测和爆料，语气夸张，常用\"听说\"\"据知情人士\"。",
}

// Styles resolves style ids to templates.
type Styles map[string]string

// NewStyles returns the built-in styles overlaid with overrides.
func NewStyles(overrides map[string]string) Styles {
	s := make(Styles, len(BuiltinStyles)+len(overrides))
	for id, tmpl := range BuiltinStyles {
		s[id] = tmpl
	}
	for id, tmpl := range overrides {
		s[id] = tmpl
	}
	return s
}

// Template returns the template of id. An empty id selects DefaultStyle.
func (s Styles) Template(id string) (string, error) {
	if id == "" {
		id = DefaultStyle
	}
	tmpl, ok := s[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStyle, id)
	}
	return tmpl, nil
}

// IDs returns the style ids in sorted order.
func (s Styles) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
