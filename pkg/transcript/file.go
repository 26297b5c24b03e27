package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileFormat is the on-disk layout of a FileStore.
type fileFormat struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// FileStore keeps the transcript in one JSON file. Every call re-reads the
// file so edits made by the host process are observed; writes are atomic.
type FileStore struct {
	mu sync.Mutex

	path string
	*Broadcaster
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, Broadcaster: NewBroadcaster()}
}

// Path returns the transcript file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (*fileFormat, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileFormat{Version: 1}, nil
		}
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	f := &fileFormat{}
	if len(data) == 0 {
		f.Version = 1
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", s.path, err)
	}
	if f.Version == 0 {
		f.Version = 1
	}
	return f, nil
}

func (s *FileStore) save(f *fileFormat) error {
	f.UpdatedAt = time.Now()
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Messages(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Messages, nil
}

func (s *FileStore) Append(ctx context.Context, msg Message) (int, error) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	s.mu.Lock()
	f, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	f.Messages = append(f.Messages, msg)
	idx := len(f.Messages) - 1
	if err := s.save(f); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("save transcript: %w", err)
	}
	s.mu.Unlock()

	s.Publish(Change{Op: OpAppend, Index: idx, Len: idx + 1})
	return idx, nil
}

func (s *FileStore) Replace(ctx context.Context, index int, body string) error {
	s.mu.Lock()
	f, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(f.Messages) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(f.Messages))
	}
	f.Messages[index].Body = body
	if err := s.save(f); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save transcript: %w", err)
	}
	n := len(f.Messages)
	s.mu.Unlock()

	s.Publish(Change{Op: OpReplace, Index: index, Len: n})
	return nil
}
