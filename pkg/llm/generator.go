// Package llm provides the text generators the orchestrator calls.
package llm

import (
	"context"
	"errors"
	"strings"
)

var ErrEmptyResponse = errors.New("llm: empty response")

// Role of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prompt message.
type Message struct {
	Role    Role
	Content string
}

// Options tunes one generation.
type Options struct {
	Temperature float64 // 0 uses the provider default
	MaxTokens   int     // 0 uses the provider default
}

// Generator turns prompt messages into response text. Implementations
// return ErrEmptyResponse (wrapped) when the provider answers with no text.
type Generator interface {
	Generate(ctx context.Context, msgs []Message, opts Options) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, msgs []Message, opts Options) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	return f(ctx, msgs, opts)
}

// splitSystem separates system messages from the conversation.
func splitSystem(msgs []Message) (system string, rest []Message) {
	var sys []string
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				sys = append(sys, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}
