package listener

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/transcript"
)

// Scheduler delivers change-detection ticks. Run blocks, calling tick until ctx is done.
type Scheduler interface {
	Run(ctx context.Context, tick func()) error
}

// IntervalScheduler ticks at a fixed interval.
type IntervalScheduler struct {
	Interval time.Duration
}

func (s IntervalScheduler) Run(ctx context.Context, tick func()) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			tick()
		}
	}
}

// NotifyScheduler ticks on every change pushed by the transcript.
type NotifyScheduler struct {
	Source transcript.Notifier
	Buffer int
}

func (s NotifyScheduler) Run(ctx context.Context, tick func()) error {
	buffer := s.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	ch, cancel := s.Source.Subscribe(buffer)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			tick()
		}
	}
}

// WatchScheduler ticks when the transcript file changes on disk. The parent
// directory is watched so atomic rename-based writes are seen.
type WatchScheduler struct {
	Path   string
	Logger *zap.Logger
}

func (s WatchScheduler) Run(ctx context.Context, tick func()) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir, base := filepath.Dir(s.Path), filepath.Base(s.Path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				tick()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("transcript watcher error", zap.Error(err))
		}
	}
}

// CronScheduler ticks on a cron schedule. Both five-field and six-field
// (with seconds) expressions are accepted, as are descriptors like "@every 10m".
type CronScheduler struct {
	Spec string
}

var cronParser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Validate reports whether the spec parses.
func (s CronScheduler) Validate() error {
	if _, err := cronParser.Parse(s.Spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.Spec, err)
	}
	return nil
}

func (s CronScheduler) Run(ctx context.Context, tick func()) error {
	c := rcron.New(rcron.WithParser(cronParser))
	if _, err := c.AddFunc(s.Spec, tick); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.Spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ChannelScheduler ticks once per value received on C.
type ChannelScheduler struct {
	C <-chan struct{}
}

func (s ChannelScheduler) Run(ctx context.Context, tick func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-s.C:
			if !ok {
				return nil
			}
			tick()
		}
	}
}
