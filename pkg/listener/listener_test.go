package listener

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	deltas []int
	reject error
	fired  chan int
}

func newRecorder() *recorder { return &recorder{fired: make(chan int, 16)} }

func (r *recorder) trigger(ctx context.Context, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		return r.reject
	}
	r.deltas = append(r.deltas, delta)
	r.fired <- delta
	return nil
}

func (r *recorder) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.deltas...)
}

func (r *recorder) setReject(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reject = err
}

// idle never ticks; tests drive Check directly.
var idle = ChannelScheduler{}

func appendN(t *testing.T, s transcript.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Append(context.Background(), transcript.Message{Author: "u", Body: "hi", IsUser: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func startListener(t *testing.T, cfg Config) *Listener {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	l := New(cfg)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestListener_AccumulatesBelowThreshold(t *testing.T) {
	store := transcript.NewMemoryStore()
	rec := newRecorder()
	l := startListener(t, Config{Surface: "forum", Store: store, Threshold: 5, Scheduler: idle, Trigger: rec.trigger})
	ctx := context.Background()

	appendN(t, store, 3)
	l.Check(ctx)
	if len(rec.calls()) != 0 || l.Pending() != 3 {
		t.Fatalf("calls=%v pending=%d, want none and 3", rec.calls(), l.Pending())
	}
	appendN(t, store, 2)
	l.Check(ctx)
	if got := rec.calls(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("calls=%v, want [5]", got)
	}
	if l.Pending() != 0 || l.State() != StateListening {
		t.Fatalf("pending=%d state=%s after trigger", l.Pending(), l.State())
	}
	appendN(t, store, 4)
	l.Check(ctx)
	if len(rec.calls()) != 1 || l.Pending() != 4 {
		t.Fatalf("calls=%v pending=%d, want remainder kept", rec.calls(), l.Pending())
	}
}

func TestListener_StartBaselinesExistingMessages(t *testing.T) {
	store := transcript.NewMemoryStore()
	appendN(t, store, 10)
	rec := newRecorder()
	l := startListener(t, Config{Store: store, Threshold: 2, Scheduler: idle, Trigger: rec.trigger})
	l.Check(context.Background())
	if len(rec.calls()) != 0 {
		t.Fatalf("spurious trigger on start: %v", rec.calls())
	}
}

func TestListener_RejectedTriggerKeepsDelta(t *testing.T) {
	store := transcript.NewMemoryStore()
	rec := newRecorder()
	rec.setReject(guard.ErrBusy)
	l := startListener(t, Config{Store: store, Threshold: 2, Scheduler: idle, Trigger: rec.trigger})
	ctx := context.Background()

	appendN(t, store, 2)
	l.Check(ctx)
	if l.Pending() != 2 {
		t.Fatalf("pending=%d, want 2 after rejection", l.Pending())
	}
	rec.setReject(nil)
	appendN(t, store, 1)
	l.Check(ctx)
	if got := rec.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls=%v, want [3]", got)
	}
}

func TestListener_DefersWhileHostBusy(t *testing.T) {
	store := transcript.NewMemoryStore()
	host := &transcript.HostFlag{}
	rec := newRecorder()
	l := startListener(t, Config{Store: store, Host: host, Threshold: 1, Scheduler: idle, Trigger: rec.trigger})
	ctx := context.Background()

	host.Set(true)
	appendN(t, store, 3)
	l.Check(ctx)
	if len(rec.calls()) != 0 {
		t.Fatalf("triggered while host busy")
	}
	host.Set(false)
	l.Check(ctx)
	if got := rec.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls=%v, want [3]", got)
	}
}

func TestListener_ShrinkRebaselines(t *testing.T) {
	store := transcript.NewMemoryStore()
	appendN(t, store, 6)
	rec := newRecorder()
	l := startListener(t, Config{Store: store, Threshold: 3, Scheduler: idle, Trigger: rec.trigger})

	// Swap in a shorter transcript behind the listener's back.
	l.cfg.Store = transcript.NewMemoryStore(transcript.Message{Body: "only"})
	l.Check(context.Background())
	if l.Pending() != 0 || len(rec.calls()) != 0 {
		t.Fatalf("pending=%d calls=%v after shrink", l.Pending(), rec.calls())
	}
	appendN(t, l.cfg.Store, 3)
	l.Check(context.Background())
	if got := rec.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls=%v, want [3]", got)
	}
}

func TestListener_DebounceCoalesces(t *testing.T) {
	store := transcript.NewMemoryStore()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := newRecorder()
	l := startListener(t, Config{Store: store, Threshold: 2, Debounce: 5 * time.Second, Clock: fake, Scheduler: idle, Trigger: rec.trigger})
	ctx := context.Background()

	appendN(t, store, 2)
	l.Check(ctx)
	l.Check(ctx) // same count, timer not reset
	if l.State() != StateDebounce || fake.Pending() != 1 {
		t.Fatalf("state=%s timers=%d, want debounce with one timer", l.State(), fake.Pending())
	}
	fake.Advance(3 * time.Second)
	appendN(t, store, 1)
	l.Check(ctx) // growth resets the quiet period
	fake.Advance(3 * time.Second)
	if len(rec.calls()) != 0 {
		t.Fatalf("fired before quiet period: %v", rec.calls())
	}
	fake.Advance(2 * time.Second)
	if got := rec.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls=%v, want [3]", got)
	}
	if l.State() != StateListening {
		t.Fatalf("state=%s, want listening", l.State())
	}
}

func TestListener_StopCancelsDebounce(t *testing.T) {
	store := transcript.NewMemoryStore()
	fake := clock.NewFake(time.Now())
	rec := newRecorder()
	l := New(Config{Store: store, Threshold: 1, Debounce: time.Second, Clock: fake, Scheduler: idle, Trigger: rec.trigger})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	appendN(t, store, 1)
	l.Check(context.Background())
	l.Stop()
	l.Stop()
	fake.Advance(time.Minute)
	if len(rec.calls()) != 0 || l.State() != StateIdle {
		t.Fatalf("calls=%v state=%s after Stop", rec.calls(), l.State())
	}
}

func TestListener_SchedulerDrivesChecks(t *testing.T) {
	store := transcript.NewMemoryStore()
	ticks := make(chan struct{})
	rec := newRecorder()
	startListener(t, Config{Store: store, Threshold: 2, Scheduler: ChannelScheduler{C: ticks}, Trigger: rec.trigger})

	appendN(t, store, 2)
	ticks <- struct{}{}
	select {
	case d := <-rec.fired:
		if d != 2 {
			t.Fatalf("delta=%d, want 2", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("trigger not called")
	}
}

func TestNotifyScheduler(t *testing.T) {
	store := transcript.NewMemoryStore()
	rec := newRecorder()
	startListener(t, Config{Store: store, Threshold: 1, Scheduler: NotifyScheduler{Source: store}, Trigger: rec.trigger})
	waitSubscribed(t, store.Broadcaster)

	appendN(t, store, 1)
	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("notification did not trigger")
	}
}

func TestWatchScheduler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.json")
	store := transcript.NewFileStore(path)
	appendN(t, store, 1)

	ticks := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchScheduler{Path: path, Logger: zaptest.NewLogger(t)}.Run(ctx, func() {
			select {
			case ticks <- struct{}{}:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		// Keep writing until the watcher is registered and reports a change.
		appendN(t, store, 1)
		select {
		case <-ticks:
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no tick from file watcher")
		}
	}
}

func TestCronScheduler(t *testing.T) {
	if err := (CronScheduler{Spec: "*/5 * * * *"}).Validate(); err != nil {
		t.Fatalf("five-field spec: %v", err)
	}
	if err := (CronScheduler{Spec: "0 */5 * * * *"}).Validate(); err != nil {
		t.Fatalf("six-field spec: %v", err)
	}
	if err := (CronScheduler{Spec: "@every 1s"}).Validate(); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if err := (CronScheduler{Spec: "not a spec"}).Validate(); err == nil {
		t.Fatalf("invalid spec accepted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := (CronScheduler{Spec: "bogus"}).Run(ctx, func() {}); err == nil {
		t.Fatalf("Run accepted invalid spec")
	}
	cancel()
}

func waitSubscribed(t *testing.T, b *transcript.Broadcaster) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_CountsFilter(t *testing.T) {
	store := transcript.NewMemoryStore()
	rec := newRecorder()
	counts := func(m transcript.Message) bool { return m.IsUser }
	l := startListener(t, Config{Surface: "forum", Store: store, Threshold: 3, Scheduler: idle, Trigger: rec.trigger, Counts: counts})
	ctx := context.Background()

	appendN(t, store, 2)
	for i := 0; i < 3; i++ {
		store.Append(ctx, transcript.Message{Author: "bot", Body: "feed"})
	}
	l.Check(ctx)
	if len(rec.calls()) != 0 || l.Pending() != 2 {
		t.Fatalf("calls=%v pending=%d, want none and 2", rec.calls(), l.Pending())
	}
	appendN(t, store, 1)
	l.Check(ctx)
	if got := rec.calls(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls=%v, want [3]", got)
	}
}
