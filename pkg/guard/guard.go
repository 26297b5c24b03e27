// Package guard provides the per-surface single-flight guard.
//
// A Guard admits at most one generation at a time. Holders receive a Lease and
// pass it down the call chain; nested code calls Enter with that lease instead of
// acquiring again. A lease left untouched for longer than StaleAfter is considered
// abandoned and is force-cleared by the next TryAcquire or Sweep.
package guard

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/metrics"
)

var (
	ErrBusy     = errors.New("guard: generation already in flight")
	ErrHostBusy = errors.New("guard: host is generating")
)

// DefaultStaleAfter is the watchdog timeout.
const DefaultStaleAfter = 30 * time.Second

// HostStatus reports whether the host is producing its own reply.
type HostStatus interface {
	IsHostGenerating() bool
}

type Config struct {
	Surface    string
	StaleAfter time.Duration
	Host       HostStatus // optional
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Guard is a mutex-protected processing flag.
type Guard struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	held       bool
	token      uint64
	nextToken  uint64
	acquiredAt time.Time
	touchedAt  time.Time
}

func New(cfg Config) *Guard {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cfg: cfg, logger: logger.Named("guard").With(zap.String("surface", cfg.Surface))}
}

// Lease is proof of holding the guard.
type Lease struct {
	g     *Guard
	token uint64
}

// TryAcquire takes the guard or fails with ErrBusy or ErrHostBusy.
func (g *Guard) TryAcquire() (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Clock.Now()
	g.clearStaleLocked(now)
	if g.held {
		return nil, ErrBusy
	}
	if g.cfg.Host != nil && g.cfg.Host.IsHostGenerating() {
		return nil, ErrHostBusy
	}
	g.nextToken++
	g.held = true
	g.token = g.nextToken
	g.acquiredAt = now
	g.touchedAt = now
	return &Lease{g: g, token: g.token}, nil
}

// Enter admits a guarded call. When lease already holds this guard the call is
// nested and the returned release is a no-op; otherwise the guard is acquired.
func (g *Guard) Enter(lease *Lease) (*Lease, func(), error) {
	if g.Holds(lease) {
		lease.Touch()
		return lease, func() {}, nil
	}
	l, err := g.TryAcquire()
	if err != nil {
		return nil, nil, err
	}
	return l, l.Release, nil
}

// Holds reports whether lease is the current holder of g.
func (g *Guard) Holds(lease *Lease) bool {
	if lease == nil || lease.g != g {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && g.token == lease.token
}

// Held reports whether the guard is taken.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// HeldFor returns how long the current lease has been held, or 0.
func (g *Guard) HeldFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return 0
	}
	return g.cfg.Clock.Now().Sub(g.acquiredAt)
}

// Sweep force-clears a stale lease. It reports whether one was cleared.
func (g *Guard) Sweep() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clearStaleLocked(g.cfg.Clock.Now())
}

func (g *Guard) clearStaleLocked(now time.Time) bool {
	if !g.held || now.Sub(g.touchedAt) <= g.cfg.StaleAfter {
		return false
	}
	g.logger.Warn("force-clearing stale lease",
		zap.Duration("held", now.Sub(g.acquiredAt)),
		zap.Duration("idle", now.Sub(g.touchedAt)))
	metrics.IncStaleLock(g.cfg.Surface)
	g.held = false
	return true
}

// Release frees the guard if lease still holds it. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	g := l.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held && g.token == l.token {
		g.held = false
	}
}

// Touch records progress so the watchdog does not consider the lease stale.
// It reports whether the lease is still current.
func (l *Lease) Touch() bool {
	if l == nil {
		return false
	}
	g := l.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held || g.token != l.token {
		return false
	}
	g.touchedAt = g.cfg.Clock.Now()
	return true
}
