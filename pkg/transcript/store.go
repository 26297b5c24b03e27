// Package transcript defines the host chat transcript the engine reads and writes,
// with memory, JSON file and sqlite backed stores.
package transcript

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var ErrIndexOutOfRange = errors.New("transcript: index out of range")

// Message is one transcript entry.
type Message struct {
	Author string    `json:"author"`
	Body   string    `json:"body"`
	IsUser bool      `json:"is_user"`
	Time   time.Time `json:"time,omitempty"`
}

// Store is an ordered message log.
type Store interface {
	Messages(ctx context.Context) ([]Message, error)
	// Append adds a message and returns its index.
	Append(ctx context.Context, msg Message) (int, error)
	// Replace rewrites the body of the message at index.
	Replace(ctx context.Context, index int, body string) error
}

// Counter is implemented by stores that can count without loading messages.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// Count returns the number of messages in s.
func Count(ctx context.Context, s Store) (int, error) {
	if c, ok := s.(Counter); ok {
		return c.Len(ctx)
	}
	msgs, err := s.Messages(ctx)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// CountMatching returns the number of messages in s for which keep is true.
func CountMatching(ctx context.Context, s Store, keep func(Message) bool) (int, error) {
	msgs, err := s.Messages(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if keep(m) {
			n++
		}
	}
	return n, nil
}

// Bodies returns the message bodies in order.
func Bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

// HostStatus reports whether the host is producing its own reply.
type HostStatus interface {
	IsHostGenerating() bool
}

// HostFlag is a settable HostStatus.
type HostFlag struct {
	busy atomic.Bool
}

func (h *HostFlag) Set(generating bool)    { h.busy.Store(generating) }
func (h *HostFlag) IsHostGenerating() bool { return h.busy.Load() }
