package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps the transcript in memory and broadcasts changes.
type MemoryStore struct {
	mu sync.RWMutex

	messages []Message
	*Broadcaster
}

func NewMemoryStore(initial ...Message) *MemoryStore {
	return &MemoryStore{
		messages:    append([]Message(nil), initial...),
		Broadcaster: NewBroadcaster(),
	}
}

func (s *MemoryStore) Messages(ctx context.Context) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...), nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), nil
}

func (s *MemoryStore) Append(ctx context.Context, msg Message) (int, error) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	idx := len(s.messages) - 1
	s.mu.Unlock()

	s.Publish(Change{Op: OpAppend, Index: idx, Len: idx + 1})
	return idx, nil
}

func (s *MemoryStore) Replace(ctx context.Context, index int, body string) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.messages) {
		n := len(s.messages)
		s.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, n)
	}
	s.messages[index].Body = body
	n := len(s.messages)
	s.mu.Unlock()

	s.Publish(Change{Op: OpReplace, Index: index, Len: n})
	return nil
}
