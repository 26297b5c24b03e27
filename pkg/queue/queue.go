// Package queue holds the bounded, process-local queue of generation requests
// and the processor that drains it one event at a time.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/types"
)

var (
	ErrNotFound     = errors.New("queue: event not found")
	ErrInvalidState = errors.New("queue: invalid event state")
)

// DefaultMaxSize bounds the number of queued events.
const DefaultMaxSize = 20

type Config struct {
	Surface types.Surface
	MaxSize int
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Stats counts events by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Queue is a bounded FIFO. When full, the oldest event that is not processing is evicted.
type Queue struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
	events []*types.GenerationEvent
}

func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{cfg: cfg, logger: logger.Named("queue").With(zap.String("surface", string(cfg.Surface)))}
}

// Enqueue adds a pending event and returns a copy of it.
func (q *Queue) Enqueue(cause types.TriggerCause, style string, threshold int) types.GenerationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.cfg.MaxSize {
		q.evictLocked()
	}
	ev := &types.GenerationEvent{
		ID:        uuid.New().String(),
		Surface:   q.cfg.Surface,
		Style:     style,
		Status:    types.StatusPending,
		Cause:     cause,
		Threshold: threshold,
		CreatedAt: q.cfg.Clock.Now(),
	}
	q.events = append(q.events, ev)
	q.publishLocked()
	return *ev
}

func (q *Queue) evictLocked() {
	for i, ev := range q.events {
		if ev.Status == types.StatusProcessing {
			continue
		}
		q.logger.Info("evicting event", zap.String("id", ev.ID), zap.String("status", string(ev.Status)))
		q.events = append(q.events[:i], q.events[i+1:]...)
		return
	}
}

// Next moves the oldest pending event to processing.
func (q *Queue) Next() (types.GenerationEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range q.events {
		if ev.Status != types.StatusPending {
			continue
		}
		ev.Status = types.StatusProcessing
		ev.Attempts++
		ev.StartedAt = q.cfg.Clock.Now()
		ev.FinishedAt = time.Time{}
		q.publishLocked()
		return *ev, true
	}
	return types.GenerationEvent{}, false
}

// Complete marks a processing event completed.
func (q *Queue) Complete(id string) error {
	return q.finish(id, types.StatusCompleted, "")
}

// Fail marks a processing event failed with err.
func (q *Queue) Fail(id string, err error) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return q.finish(id, types.StatusFailed, msg)
}

func (q *Queue) finish(id string, status types.GenerationStatus, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, err := q.findLocked(id)
	if err != nil {
		return err
	}
	if ev.Status != types.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, ev.Status)
	}
	ev.Status = status
	ev.Error = msg
	ev.FinishedAt = q.cfg.Clock.Now()
	q.publishLocked()
	return nil
}

// Retry returns a failed event to pending and clears its error.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, err := q.findLocked(id)
	if err != nil {
		return err
	}
	if ev.Status != types.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, ev.Status)
	}
	ev.Status = types.StatusPending
	ev.Error = ""
	q.publishLocked()
	return nil
}

// Remove deletes an event that is not processing.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ev := range q.events {
		if ev.ID != id {
			continue
		}
		if ev.Status == types.StatusProcessing {
			return fmt.Errorf("%w: %s is processing", ErrInvalidState, id)
		}
		q.events = append(q.events[:i], q.events[i+1:]...)
		q.publishLocked()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Get returns a copy of the event with id.
func (q *Queue) Get(id string) (types.GenerationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, err := q.findLocked(id)
	if err != nil {
		return types.GenerationEvent{}, err
	}
	return *ev, nil
}

// List returns copies of all events, oldest first.
func (q *Queue) List() []types.GenerationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.GenerationEvent, len(q.events))
	for i, ev := range q.events {
		out[i] = *ev
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	s := Stats{Total: len(q.events)}
	for _, ev := range q.events {
		switch ev.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusProcessing:
			s.Processing++
		case types.StatusCompleted:
			s.Completed++
		case types.StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) findLocked(id string) (*types.GenerationEvent, error) {
	for _, ev := range q.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (q *Queue) publishLocked() {
	s := q.statsLocked()
	metrics.SetQueueDepth(map[string]int{
		string(types.StatusPending):    s.Pending,
		string(types.StatusProcessing): s.Processing,
		string(types.StatusCompleted):  s.Completed,
		string(types.StatusFailed):     s.Failed,
	})
}
