// Package feed runs one surface end to end: change detection, single-flight
// admission, generation, user intents and the generation journal.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/listener"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/queue"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

var (
	ErrUnsupported    = errors.New("feed: operation not supported on this surface")
	ErrThreadNotFound = errors.New("feed: thread not found")
	ErrInvalidInput   = errors.New("feed: invalid input")
	ErrStopped        = errors.New("feed: manager stopped")
)

type Config struct {
	Surface      types.Surface
	Store        transcript.Store
	Host         transcript.HostStatus // optional
	Orchestrator *orchestrator.Orchestrator

	// Change detection.
	Threshold int
	Debounce  time.Duration
	Scheduler listener.Scheduler
	// Disabled surfaces serve intents and manual triggers but never listen.
	Disabled bool

	// Cron schedules a bulk generation, e.g. "@every 30m".
	Cron  string
	Style string
	// ReplyAfterIntent continues a thread with generated replies after a user post or reply.
	ReplyAfterIntent bool

	// Queued routes triggers through a work queue instead of generating directly.
	Queued     bool
	QueueSize  int
	DrainDelay time.Duration

	Journal *Journal // optional
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Manager owns the runtime of one surface.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	logger    *zap.Logger
	guard     *guard.Guard
	listener  *listener.Listener
	queue     *queue.Queue
	processor *queue.Processor

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // in-flight generations
	loops   sync.WaitGroup // cron loop
	started bool
	stopped bool
}

func New(cfg Config) (*Manager, error) {
	if _, ok := protocol.Lookup(cfg.Surface); !ok {
		return nil, fmt.Errorf("unknown surface %q", cfg.Surface)
	}
	if cfg.Store == nil || cfg.Orchestrator == nil {
		return nil, errors.New("feed: store and orchestrator are required")
	}
	if cfg.Cron != "" {
		if err := (listener.CronScheduler{Spec: cfg.Cron}).Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := cfg.Orchestrator.Guard(cfg.Surface)
	if g == nil {
		return nil, fmt.Errorf("orchestrator has no guard for %s", cfg.Surface)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		logger: logger.Named("feed").With(zap.String("surface", string(cfg.Surface))),
		guard:  g,
		ctx:    ctx,
		cancel: cancel,
	}
	m.listener = listener.New(listener.Config{
		Surface:   string(cfg.Surface),
		Store:     cfg.Store,
		Host:      cfg.Host,
		Threshold: cfg.Threshold,
		Debounce:  cfg.Debounce,
		Scheduler: cfg.Scheduler,
		Trigger:   m.onThreshold,
		Counts:    isConversation,
		Clock:     cfg.Clock,
		Logger:    logger,
	})
	if cfg.Queued {
		m.queue = queue.New(queue.Config{Surface: cfg.Surface, MaxSize: cfg.QueueSize, Clock: cfg.Clock, Logger: logger})
		m.processor = queue.NewProcessor(queue.ProcessorConfig{
			Queue:      m.queue,
			Generator:  m,
			Guard:      g,
			Host:       cfg.Host,
			DrainDelay: cfg.DrainDelay,
			Logger:     logger,
		})
	}
	return m, nil
}

func (m *Manager) Surface() types.Surface { return m.cfg.Surface }

func (m *Manager) Guard() *guard.Guard { return m.guard }

func (m *Manager) Listener() *listener.Listener { return m.listener }

// Queue returns the work queue of a queued surface, or nil.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Start begins change detection and the cron schedule.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if !m.cfg.Disabled {
		if err := m.listener.Start(ctx); err != nil {
			return fmt.Errorf("start listener: %w", err)
		}
	}
	if m.cfg.Cron != "" {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			sched := listener.CronScheduler{Spec: m.cfg.Cron}
			if err := sched.Run(m.ctx, m.onSchedule); err != nil {
				m.logger.Error("cron stopped", zap.Error(err))
			}
		}()
	}
	m.logger.Info("surface started",
		zap.Bool("listening", !m.cfg.Disabled),
		zap.Bool("queued", m.cfg.Queued),
		zap.String("cron", m.cfg.Cron))
	return nil
}

// Stop halts listening and scheduling, cancels in-flight generations and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	m.mu.Unlock()

	m.listener.Stop()
	m.loops.Wait()
	if m.processor != nil {
		m.processor.Stop()
	}
	m.wg.Wait()
}

// Wait blocks until admitted generations have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
	if m.processor != nil {
		m.processor.Wait()
	}
}

// Status is a snapshot of the surface runtime.
type Status struct {
	Surface  types.Surface  `json:"surface"`
	State    listener.State `json:"state"`
	Pending  int            `json:"pending"`
	Busy     bool           `json:"busy"`
	HeldFor  time.Duration  `json:"held_for_ns,omitempty"`
	Queued   bool           `json:"queued"`
	Queue    *queue.Stats   `json:"queue,omitempty"`
	Cron     string         `json:"cron,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

func (m *Manager) Status() Status {
	s := Status{
		Surface:  m.cfg.Surface,
		State:    m.listener.State(),
		Pending:  m.listener.Pending(),
		Busy:     m.guard.Held(),
		HeldFor:  m.guard.HeldFor(),
		Queued:   m.cfg.Queued,
		Cron:     m.cfg.Cron,
		Disabled: m.cfg.Disabled,
	}
	if m.queue != nil {
		qs := m.queue.Stats()
		s.Queue = &qs
	}
	return s
}

// Document returns the decoded surface document.
func (m *Manager) Document(ctx context.Context) (*types.Document, error) {
	return m.cfg.Orchestrator.Document(ctx, m.cfg.Surface)
}

// Generate runs one generation on the calling goroutine and journals the outcome.
// The request surface is forced to the manager's surface.
func (m *Manager) Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	req.Surface = m.cfg.Surface
	if req.StyleID == "" {
		req.StyleID = m.cfg.Style
	}
	start := m.cfg.Clock.Now()
	res, err := m.cfg.Orchestrator.Generate(ctx, req)

	rec := Record{
		Time:      start,
		Surface:   m.cfg.Surface,
		Operation: req.Operation,
		Cause:     req.Cause,
		Event:     req.Event,
		Result:    "ok",
		Duration:  m.cfg.Clock.Now().Sub(start),
	}
	if err != nil {
		rec.Result, rec.Error = "error", err.Error()
		m.logger.Warn("generation failed", zap.String("op", string(req.Operation)), zap.Error(err))
	} else {
		rec.Report = &res.Report
	}
	m.journal(rec)
	return res, err
}

// Trigger requests a manual generation. On a queued surface the request is
// enqueued and the event returned; otherwise the generation is admitted and runs
// in the background, or rejected with guard.ErrBusy or guard.ErrHostBusy.
func (m *Manager) Trigger(ctx context.Context, style string) (*types.GenerationEvent, error) {
	if style == "" {
		style = m.cfg.Style
	}
	if _, err := m.cfg.Orchestrator.Styles().Template(style); err != nil {
		return nil, err
	}
	if m.queue != nil {
		ev := m.enqueue(types.CauseManual, style, 0)
		return &ev, nil
	}
	return nil, m.admit(orchestrator.Request{Operation: orchestrator.OpBulk, StyleID: style, Cause: types.CauseManual})
}

// onThreshold is the listener trigger. It never blocks on the generator.
func (m *Manager) onThreshold(ctx context.Context, delta int) error {
	if m.queue != nil {
		m.enqueue(types.CauseThreshold, m.cfg.Style, delta)
		return nil
	}
	err := m.admit(orchestrator.Request{Operation: orchestrator.OpNewPost, Cause: types.CauseThreshold})
	if err != nil {
		metrics.IncSkip(string(m.cfg.Surface), skipReason(err))
	}
	return err
}

func (m *Manager) onSchedule() {
	if m.queue != nil {
		m.enqueue(types.CauseSchedule, m.cfg.Style, 0)
		return
	}
	if err := m.admit(orchestrator.Request{Operation: orchestrator.OpBulk, Cause: types.CauseSchedule}); err != nil {
		metrics.IncSkip(string(m.cfg.Surface), skipReason(err))
		m.logger.Debug("scheduled generation skipped", zap.Error(err))
	}
}

func (m *Manager) enqueue(cause types.TriggerCause, style string, threshold int) types.GenerationEvent {
	ev := m.queue.Enqueue(cause, style, threshold)
	m.logger.Debug("event queued", zap.String("event", ev.ID), zap.String("cause", string(cause)))
	m.processor.Kick()
	return ev
}

// Retry re-queues a failed event and kicks the drain.
func (m *Manager) Retry(id string) error {
	if m.queue == nil {
		return ErrUnsupported
	}
	if err := m.queue.Retry(id); err != nil {
		return err
	}
	m.processor.Kick()
	return nil
}

// Remove drops an event that is not processing.
func (m *Manager) Remove(id string) error {
	if m.queue == nil {
		return ErrUnsupported
	}
	return m.queue.Remove(id)
}

// admit takes the guard synchronously and runs the generation in the background.
func (m *Manager) admit(req orchestrator.Request) error {
	lease, err := m.guard.TryAcquire()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		lease.Release()
		return ErrStopped
	}
	m.wg.Add(1)
	m.mu.Unlock()

	req.Lease = lease
	go func() {
		defer m.wg.Done()
		defer lease.Release()
		m.Generate(m.ctx, req)
	}()
	return nil
}

// Post is a user-written thread.
type Post struct {
	Author string `json:"author"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// NewPost writes a user thread into the surface document.
func (m *Manager) NewPost(ctx context.Context, p Post) (*types.Thread, error) {
	var prefix string
	switch m.cfg.Surface {
	case types.SurfaceForum:
		prefix = "t"
	case types.SurfaceWeibo:
		prefix = "w"
	default:
		return nil, ErrUnsupported
	}
	p.Author, p.Body, p.Title = sanitize(p.Author), sanitize(p.Body), sanitize(p.Title)
	if p.Author == "" || p.Body == "" || (m.cfg.Surface == types.SurfaceForum && p.Title == "") {
		return nil, fmt.Errorf("%w: author, body and (forum) title are required", ErrInvalidInput)
	}

	t := &types.Thread{
		ID:        prefix + uuid.New().String()[:8],
		Author:    p.Author,
		Title:     p.Title,
		Body:      p.Body,
		Timestamp: m.cfg.Clock.Now(),
	}
	if m.cfg.Surface == types.SurfaceWeibo {
		t.Title = ""
		t.Likes, t.Reposts, t.Comments = "0", "0", "0"
	}
	fragment := types.NewDocument(m.cfg.Surface)
	fragment.Threads = []*types.Thread{t}
	res, err := m.apply(ctx, "post", fragment)
	if err != nil {
		return nil, err
	}
	m.continueThread(t.ID)
	return res.Document.Thread(t.ID), nil
}

// ReplyInput is a user-written reply. ParentID replies to another reply.
type ReplyInput struct {
	Author   string `json:"author"`
	Body     string `json:"body"`
	ParentID string `json:"parent_id,omitempty"`
}

// Reply writes a user reply under threadID. Every call adds a new reply, even
// when its text repeats an earlier one.
func (m *Manager) Reply(ctx context.Context, threadID string, in ReplyInput) (*types.Reply, error) {
	var kind types.ReplyKind
	switch m.cfg.Surface {
	case types.SurfaceForum:
		kind = types.ReplyForum
	case types.SurfaceWeibo:
		kind = types.ReplyComment
	default:
		return nil, ErrUnsupported
	}
	in.Author, in.Body = sanitize(in.Author), sanitize(in.Body)
	if in.Author == "" || in.Body == "" {
		return nil, fmt.Errorf("%w: author and body are required", ErrInvalidInput)
	}

	doc, err := m.Document(ctx)
	if err != nil {
		return nil, err
	}
	t := doc.Thread(threadID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if in.ParentID != "" && !hasReply(t.Replies, in.ParentID) {
		return nil, fmt.Errorf("%w: no reply %s under %s", ErrInvalidInput, in.ParentID, threadID)
	}
	r := &types.Reply{
		ID:        "r" + uuid.New().String()[:8],
		ThreadID:  threadID,
		ParentID:  in.ParentID,
		Kind:      kind,
		Author:    in.Author,
		Body:      in.Body,
		Timestamp: m.cfg.Clock.Now(),
	}
	if kind == types.ReplyComment {
		r.Likes = "0"
	}
	fragment := types.NewDocument(m.cfg.Surface)
	fragment.Orphans = []*types.Reply{r}
	if _, err := m.apply(ctx, "reply", fragment); err != nil {
		return nil, err
	}
	m.continueThread(threadID)
	return r, nil
}

func (m *Manager) apply(ctx context.Context, intent string, fragment *types.Document) (*orchestrator.Result, error) {
	start := m.cfg.Clock.Now()
	res, err := m.cfg.Orchestrator.Apply(ctx, m.cfg.Surface, fragment, nil)
	rec := Record{Time: start, Surface: m.cfg.Surface, Intent: intent, Result: "ok"}
	if err != nil {
		rec.Result, rec.Error = "error", err.Error()
	} else {
		rec.Report = &res.Report
	}
	m.journal(rec)
	return res, err
}

// continueThread starts a reply generation for threadID when configured. Contention is not an error.
func (m *Manager) continueThread(threadID string) {
	if !m.cfg.ReplyAfterIntent {
		return
	}
	req := orchestrator.Request{Operation: orchestrator.OpReply, Focus: threadID, Cause: types.CauseIntent}
	if err := m.admit(req); err != nil {
		m.logger.Debug("reply generation skipped", zap.String("thread", threadID), zap.Error(err))
	}
}

func (m *Manager) journal(rec Record) {
	if m.cfg.Journal == nil {
		return
	}
	if err := m.cfg.Journal.Append(rec); err != nil {
		m.logger.Warn("journal append", zap.Error(err))
	}
}

// sanitize trims s and replaces the protocol's reserved characters, so the
// returned entity matches what is persisted.
func sanitize(s string) string {
	out, _ := protocol.Sanitize(s)
	return out
}

// isConversation excludes messages holding a feed block from the listener count.
func isConversation(msg transcript.Message) bool {
	return !protocol.HasBlock(msg.Body)
}

func hasReply(rs []*types.Reply, id string) bool {
	for _, r := range rs {
		if r.ID == id || hasReply(r.Replies, id) {
			return true
		}
	}
	return false
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, guard.ErrHostBusy):
		return "host_busy"
	case errors.Is(err, guard.ErrBusy):
		return "busy"
	}
	return "stopped"
}
