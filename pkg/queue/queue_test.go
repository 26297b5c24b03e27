package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, max int) (*Queue, *clock.Fake) {
	c := clock.NewFake(start)
	return New(Config{Surface: types.SurfaceEvents, MaxSize: max, Clock: c, Logger: zaptest.NewLogger(t)}), c
}

func TestQueue_Lifecycle(t *testing.T) {
	q, c := newQueue(t, 0)
	a := q.Enqueue(types.CauseThreshold, "humor", 5)
	b := q.Enqueue(types.CauseManual, "", 0)
	if a.ID == "" || a.ID == b.ID || a.Status != types.StatusPending || a.Surface != types.SurfaceEvents {
		t.Fatalf("enqueued=%+v %+v", a, b)
	}

	ev, ok := q.Next()
	if !ok || ev.ID != a.ID || ev.Status != types.StatusProcessing || ev.Attempts != 1 {
		t.Fatalf("Next=%+v ok=%v", ev, ok)
	}
	if err := q.Remove(a.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Remove processing err=%v, want ErrInvalidState", err)
	}
	c.Advance(time.Second)
	if err := q.Fail(a.ID, errors.New("empty response")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Get(a.ID)
	if got.Status != types.StatusFailed || got.Error != "empty response" || !got.FinishedAt.Equal(start.Add(time.Second)) {
		t.Fatalf("failed event=%+v", got)
	}
	if err := q.Complete(a.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Complete failed err=%v, want ErrInvalidState", err)
	}
	if err := q.Retry(b.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Retry pending err=%v, want ErrInvalidState", err)
	}
	if err := q.Retry(a.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ = q.Get(a.ID)
	if got.Status != types.StatusPending || got.Error != "" {
		t.Fatalf("retried event=%+v", got)
	}

	// FIFO: a is older than b.
	ev, _ = q.Next()
	if ev.ID != a.ID || ev.Attempts != 2 {
		t.Fatalf("Next after retry=%+v", ev)
	}
	if err := q.Complete(a.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s := q.Stats(); s != (Stats{Pending: 1, Completed: 1, Total: 2}) {
		t.Fatalf("stats=%+v", s)
	}
	if err := q.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := q.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get removed err=%v, want ErrNotFound", err)
	}
	if err := q.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove missing err=%v, want ErrNotFound", err)
	}
}

func TestQueue_BoundEvictsOldest(t *testing.T) {
	q, _ := newQueue(t, 0)
	var ids []string
	for i := 0; i < DefaultMaxSize+1; i++ {
		ids = append(ids, q.Enqueue(types.CauseManual, "", 0).ID)
	}
	list := q.List()
	if len(list) != DefaultMaxSize {
		t.Fatalf("len=%d, want %d", len(list), DefaultMaxSize)
	}
	if list[0].ID != ids[1] || list[len(list)-1].ID != ids[DefaultMaxSize] {
		t.Fatalf("oldest event not evicted")
	}
}

func TestQueue_EvictionSkipsProcessing(t *testing.T) {
	q, _ := newQueue(t, 2)
	a := q.Enqueue(types.CauseManual, "", 0)
	b := q.Enqueue(types.CauseManual, "", 0)
	q.Next()
	q.Enqueue(types.CauseManual, "", 0)
	if _, err := q.Get(a.ID); err != nil {
		t.Fatalf("processing event evicted")
	}
	if _, err := q.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending event kept, err=%v", err)
	}
}

type fakeGenerator struct {
	mu    sync.Mutex
	reqs  []orchestrator.Request
	fail  map[int]error
	held  []bool
	guard *guard.Guard
}

func (f *fakeGenerator) Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.held = append(f.held, f.guard.Holds(req.Lease))
	if err := f.fail[len(f.reqs)]; err != nil {
		return nil, err
	}
	return &orchestrator.Result{Surface: req.Surface}, nil
}

func TestProcessor_Drains(t *testing.T) {
	q, _ := newQueue(t, 0)
	gd := guard.New(guard.Config{Surface: "events"})
	gen := &fakeGenerator{guard: gd, fail: map[int]error{2: errors.New("boom")}}
	p := NewProcessor(ProcessorConfig{Queue: q, Generator: gen, Guard: gd, DrainDelay: time.Millisecond, Logger: zaptest.NewLogger(t)})
	defer p.Stop()

	a := q.Enqueue(types.CauseThreshold, "gossip", 5)
	b := q.Enqueue(types.CauseManual, "", 0)
	p.Kick()
	p.Kick()
	p.Wait()

	if len(gen.reqs) != 2 {
		t.Fatalf("generations=%d, want 2", len(gen.reqs))
	}
	if gen.reqs[0].Operation != orchestrator.OpBulk || gen.reqs[0].StyleID != "gossip" || gen.reqs[0].Surface != types.SurfaceEvents {
		t.Fatalf("request=%+v", gen.reqs[0])
	}
	if gen.reqs[0].Cause != types.CauseThreshold || gen.reqs[0].Event != a.ID || gen.reqs[1].Event != b.ID {
		t.Fatalf("requests=%+v, want cause and event ids carried", gen.reqs)
	}
	if !gen.held[0] || !gen.held[1] {
		t.Fatalf("generation ran without holding the guard")
	}
	if gd.Held() {
		t.Fatalf("guard left held")
	}
	ga, _ := q.Get(a.ID)
	gb, _ := q.Get(b.ID)
	if ga.Status != types.StatusCompleted || gb.Status != types.StatusFailed || gb.Error != "boom" {
		t.Fatalf("a=%+v b=%+v", ga, gb)
	}

	if err := q.Retry(b.ID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	p.Kick()
	p.Wait()
	if gb, _ = q.Get(b.ID); gb.Status != types.StatusCompleted || gb.Attempts != 2 {
		t.Fatalf("retried b=%+v", gb)
	}
}

func TestProcessor_DefersWhileBusy(t *testing.T) {
	q, _ := newQueue(t, 0)
	gd := guard.New(guard.Config{Surface: "events"})
	host := &transcript.HostFlag{}
	host.Set(true)
	gen := &fakeGenerator{guard: gd}
	p := NewProcessor(ProcessorConfig{Queue: q, Generator: gen, Guard: gd, Host: host, DrainDelay: time.Millisecond})

	lease, _ := gd.TryAcquire()
	q.Enqueue(types.CauseManual, "", 0)
	p.Kick()
	time.Sleep(20 * time.Millisecond)
	gen.mu.Lock()
	n := len(gen.reqs)
	gen.mu.Unlock()
	if n != 0 {
		t.Fatalf("generated while busy")
	}

	host.Set(false)
	lease.Release()
	p.Wait()
	if len(gen.reqs) != 1 || q.Stats().Completed != 1 {
		t.Fatalf("generations=%d stats=%+v", len(gen.reqs), q.Stats())
	}
	p.Stop()
}

func TestProcessor_StopWhileDeferred(t *testing.T) {
	q, _ := newQueue(t, 0)
	host := &transcript.HostFlag{}
	host.Set(true)
	p := NewProcessor(ProcessorConfig{Queue: q, Generator: &fakeGenerator{}, Host: host, DrainDelay: time.Millisecond})
	q.Enqueue(types.CauseManual, "", 0)
	p.Kick()
	p.Stop()
	p.Kick()
	if q.Stats().Pending != 1 {
		t.Fatalf("stats=%+v, want 1 pending", q.Stats())
	}
}
