// Package listener watches transcript growth and decides when a surface should generate.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/transcript"
)

// State is the listener lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateDebounce   State = "debounce"
	StateTriggering State = "triggering"
)

// DefaultThreshold is the message delta that triggers a generation.
const DefaultThreshold = 5

// TriggerFunc requests a generation for delta new messages. It must return
// quickly: a nil error means the generation was admitted (and may still be
// running), any error means it was rejected and the delta is kept.
type TriggerFunc func(ctx context.Context, delta int) error

type Config struct {
	Surface   string
	Store     transcript.Store
	Host      transcript.HostStatus // optional
	Threshold int
	// Debounce coalesces threshold crossings into one trigger per quiet period.
	// Zero triggers immediately on threshold.
	Debounce  time.Duration
	Scheduler Scheduler
	Trigger   TriggerFunc
	// Counts reports whether a message counts toward the threshold.
	// Nil counts every message.
	Counts func(transcript.Message) bool
	Clock  clock.Clock
	Logger *zap.Logger
}

// Listener implements Idle -> Listening -> (Debounce) -> Triggering -> Listening.
type Listener struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	state   State
	last    int // last observed count the trigger logic has consumed
	pending int // delta seen at the last check
	armedAt int // count that armed the debounce timer
	timer   clock.Timer

	// checkMu serialises ticks and debounce firing.
	checkMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Listener {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = IntervalScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:    cfg,
		logger: logger.Named("listener").With(zap.String("surface", cfg.Surface)),
		state:  StateIdle,
	}
}

// Start baselines the count from the current transcript and begins listening.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	n, err := l.count(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.last = n
	l.pending = 0
	l.state = StateListening
	l.ctx, l.cancel, l.done = runCtx, cancel, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		if err := l.cfg.Scheduler.Run(runCtx, func() { l.Check(runCtx) }); err != nil {
			l.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
	l.logger.Debug("listening", zap.Int("baseline", n), zap.Int("threshold", l.cfg.Threshold))
	return nil
}

// Stop cancels pending timers and waits for the scheduler to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.state = StateIdle
	l.mu.Unlock()

	cancel()
	<-done
	// Wait for a debounce firing that was already running.
	l.checkMu.Lock()
	l.checkMu.Unlock()
}

func (l *Listener) count(ctx context.Context) (int, error) {
	if l.cfg.Counts == nil {
		return transcript.Count(ctx, l.cfg.Store)
	}
	return transcript.CountMatching(ctx, l.cfg.Store, l.cfg.Counts)
}

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pending returns the message delta accumulated toward the threshold at the last check.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Check runs one change-detection step. Schedulers call it on every tick.
func (l *Listener) Check(ctx context.Context) {
	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	if l.State() == StateIdle {
		return
	}
	n, err := l.count(ctx)
	if err != nil {
		l.logger.Warn("count transcript", zap.Error(err))
		return
	}
	if l.cfg.Host != nil && l.cfg.Host.IsHostGenerating() {
		metrics.IncSkip(l.cfg.Surface, "host_busy")
		return
	}

	l.mu.Lock()
	delta := n - l.last
	if delta < 0 {
		// Transcript shrank (messages deleted or regenerated).
		l.last = n
		l.pending = 0
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.state = StateListening
		l.mu.Unlock()
		return
	}
	l.pending = delta
	if delta < l.cfg.Threshold {
		l.mu.Unlock()
		return
	}
	if l.cfg.Debounce > 0 {
		if l.state != StateDebounce || n != l.armedAt {
			if l.timer != nil {
				l.timer.Stop()
			}
			l.armedAt = n
			l.state = StateDebounce
			l.timer = l.cfg.Clock.AfterFunc(l.cfg.Debounce, l.fire)
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.trigger(ctx, n)
}

// fire runs when the debounce period elapses without further growth.
func (l *Listener) fire() {
	l.checkMu.Lock()
	defer l.checkMu.Unlock()

	l.mu.Lock()
	if l.state != StateDebounce {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	ctx := l.ctx
	l.mu.Unlock()

	n, err := l.count(ctx)
	if err != nil {
		l.logger.Warn("count transcript", zap.Error(err))
		l.setState(StateListening)
		return
	}
	l.trigger(ctx, n)
}

// trigger asks for a generation at count n. Called with checkMu held.
func (l *Listener) trigger(ctx context.Context, n int) {
	l.mu.Lock()
	delta := n - l.last
	l.state = StateTriggering
	l.mu.Unlock()

	err := l.cfg.Trigger(ctx, delta)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		l.state = StateListening
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		l.logger.Debug("trigger rejected", zap.Int("delta", delta), zap.Error(err))
		return
	}
	l.last += delta
	l.pending = 0
	l.logger.Info("triggered", zap.Int("delta", delta), zap.Int("count", n))
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		l.state = s
	}
}
