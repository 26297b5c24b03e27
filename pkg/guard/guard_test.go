package guard

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cpunion/feedsync/pkg/clock"
)

type hostFlag struct{ busy atomic.Bool }

func (h *hostFlag) IsHostGenerating() bool { return h.busy.Load() }

func newGuard(t *testing.T) (*Guard, *clock.Fake, *hostFlag) {
	c := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := &hostFlag{}
	g := New(Config{Surface: "forum", Host: h, Clock: c, Logger: zaptest.NewLogger(t)})
	return g, c, h
}

func TestGuard_SingleFlight(t *testing.T) {
	g, _, _ := newGuard(t)
	lease, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := g.TryAcquire(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second TryAcquire err=%v, want ErrBusy", err)
	}
	lease.Release()
	lease.Release()
	if g.Held() {
		t.Fatalf("guard still held after Release")
	}
	if _, err := g.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
}

func TestGuard_HostBusy(t *testing.T) {
	g, _, h := newGuard(t)
	h.busy.Store(true)
	if _, err := g.TryAcquire(); !errors.Is(err, ErrHostBusy) {
		t.Fatalf("err=%v, want ErrHostBusy", err)
	}
	if g.Held() {
		t.Fatalf("held after host-busy rejection")
	}
}

func TestGuard_StaleLeaseIsCleared(t *testing.T) {
	g, c, _ := newGuard(t)
	old, _ := g.TryAcquire()

	c.Advance(20 * time.Second)
	if !old.Touch() {
		t.Fatalf("Touch on current lease returned false")
	}
	c.Advance(20 * time.Second)
	if _, err := g.TryAcquire(); !errors.Is(err, ErrBusy) {
		t.Fatalf("touched lease treated as stale: %v", err)
	}
	if got := g.HeldFor(); got != 40*time.Second {
		t.Fatalf("HeldFor=%v, want 40s", got)
	}

	c.Advance(11 * time.Second)
	fresh, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire after stale: %v", err)
	}
	old.Release()
	if !g.Holds(fresh) {
		t.Fatalf("stale lease release cleared the new holder")
	}
	if old.Touch() {
		t.Fatalf("Touch on superseded lease returned true")
	}
}

func TestGuard_Sweep(t *testing.T) {
	g, c, _ := newGuard(t)
	g.TryAcquire()
	if g.Sweep() {
		t.Fatalf("Sweep cleared a fresh lease")
	}
	c.Advance(DefaultStaleAfter + time.Second)
	if !g.Sweep() || g.Held() {
		t.Fatalf("Sweep did not clear stale lease")
	}
}

func TestGuard_EnterIsReentrant(t *testing.T) {
	g, _, _ := newGuard(t)
	outer, release, err := g.Enter(nil)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	inner, innerRelease, err := g.Enter(outer)
	if err != nil || inner != outer {
		t.Fatalf("nested Enter: lease=%v err=%v", inner, err)
	}
	innerRelease()
	if !g.Holds(outer) {
		t.Fatalf("nested release freed the outer lease")
	}
	release()
	if g.Held() {
		t.Fatalf("outer release did not free the guard")
	}

	other := New(Config{Surface: "weibo"})
	foreign, _ := other.TryAcquire()
	if _, _, err := g.Enter(foreign); err != nil {
		t.Fatalf("Enter with foreign lease: %v", err)
	}
	if _, _, err := g.Enter(foreign); !errors.Is(err, ErrBusy) {
		t.Fatalf("foreign lease bypassed the guard: %v", err)
	}
}

func TestGuard_ConcurrentAcquire(t *testing.T) {
	g := New(Config{Surface: "forum"})
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.TryAcquire(); err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Fatalf("winners=%d, want 1", won.Load())
	}
}
