package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

// DefaultDrainDelay separates consecutive events.
const DefaultDrainDelay = time.Second

// Generator runs one generation request.
type Generator interface {
	Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

type ProcessorConfig struct {
	Queue     *Queue
	Generator Generator
	Guard     *guard.Guard
	Host      transcript.HostStatus // optional
	// Operation defaults to orchestrator.OpBulk.
	Operation  orchestrator.Operation
	DrainDelay time.Duration
	Logger     *zap.Logger
}

// Processor drains the queue one event at a time.
type Processor struct {
	mu sync.Mutex

	cfg     ProcessorConfig
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	again   bool
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Operation == "" {
		cfg.Operation = orchestrator.OpBulk
	}
	if cfg.DrainDelay <= 0 {
		cfg.DrainDelay = DefaultDrainDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:    cfg,
		logger: logger.Named("processor").With(zap.String("surface", string(cfg.Queue.cfg.Surface))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Kick starts a drain. A kick during a drain makes the drain look again before it ends.
func (p *Processor) Kick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	if p.running {
		p.again = true
		return
	}
	p.running = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drain()
	}()
}

// Wait blocks until the current drain, if any, has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Stop cancels the drain and waits for it. In-flight generations see a cancelled context.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Processor) drain() {
	surface := string(p.cfg.Queue.cfg.Surface)
	for {
		if p.ctx.Err() != nil {
			p.finish()
			return
		}
		if p.cfg.Queue.Stats().Pending == 0 {
			if p.done() {
				return
			}
			continue
		}
		if reason := p.blocked(); reason != "" {
			metrics.IncSkip(surface, reason)
			p.logger.Debug("drain deferred", zap.String("reason", reason))
			if !p.sleep() {
				p.finish()
				return
			}
			continue
		}

		lease, err := p.acquire()
		if err != nil {
			if !p.sleep() {
				p.finish()
				return
			}
			continue
		}
		ev, ok := p.cfg.Queue.Next()
		if !ok {
			lease.Release()
			if p.done() {
				return
			}
			continue
		}
		p.process(ev, lease)
		lease.Release()

		if !p.sleep() {
			p.finish()
			return
		}
	}
}

func (p *Processor) blocked() string {
	if p.cfg.Host != nil && p.cfg.Host.IsHostGenerating() {
		return "host_busy"
	}
	if p.cfg.Guard != nil && p.cfg.Guard.Held() {
		return "busy"
	}
	return ""
}

func (p *Processor) acquire() (*guard.Lease, error) {
	if p.cfg.Guard == nil {
		return nil, nil
	}
	return p.cfg.Guard.TryAcquire()
}

func (p *Processor) process(ev types.GenerationEvent, lease *guard.Lease) {
	logger := p.logger.With(zap.String("event", ev.ID), zap.Int("attempt", ev.Attempts))
	_, err := p.cfg.Generator.Generate(p.ctx, orchestrator.Request{
		Surface:   ev.Surface,
		Operation: p.cfg.Operation,
		StyleID:   ev.Style,
		Cause:     ev.Cause,
		Event:     ev.ID,
		Lease:     lease,
	})
	if err != nil {
		logger.Warn("event failed", zap.Error(err))
		if ferr := p.cfg.Queue.Fail(ev.ID, err); ferr != nil {
			logger.Warn("mark failed", zap.Error(ferr))
		}
		return
	}
	if cerr := p.cfg.Queue.Complete(ev.ID); cerr != nil {
		logger.Warn("mark completed", zap.Error(cerr))
		return
	}
	logger.Info("event completed")
}

// done ends the drain unless a kick arrived meanwhile.
func (p *Processor) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.again {
		p.again = false
		return false
	}
	p.running = false
	return true
}

func (p *Processor) finish() {
	p.mu.Lock()
	p.running = false
	p.again = false
	p.mu.Unlock()
}

func (p *Processor) sleep() bool {
	t := time.NewTimer(p.cfg.DrainDelay)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
