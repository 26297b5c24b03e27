package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/config"
	"github.com/cpunion/feedsync/pkg/feed"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/listener"
	"github.com/cpunion/feedsync/pkg/llm"
	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

// engine is everything a config file describes, wired together.
type engine struct {
	cfg      config.Config
	logger   *zap.Logger
	store    transcript.Store
	host     *transcript.HostFlag
	orch     *orchestrator.Orchestrator
	journal  *feed.Journal
	managers []*feed.Manager

	closers []func() error
}

func buildEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (*engine, error) {
	e := &engine{cfg: cfg, logger: logger, host: &transcript.HostFlag{}}

	store, err := e.openStore()
	if err != nil {
		return nil, err
	}
	e.store = store

	gen, err := newGenerator(ctx, cfg.Generator)
	if err != nil {
		e.Close()
		return nil, err
	}

	if cfg.Journal.Dir != "" {
		j, err := feed.OpenJournal(feed.JournalConfig{Dir: cfg.Journal.Dir, MaxRecordsPerShard: cfg.Journal.MaxRecordsPerShard})
		if err != nil {
			e.Close()
			return nil, err
		}
		e.journal = j
		e.closers = append(e.closers, j.Close)
	}

	guards := make(map[types.Surface]*guard.Guard, len(cfg.Surfaces))
	surfaces := make(map[types.Surface]orchestrator.SurfaceOptions, len(cfg.Surfaces))
	for _, sc := range cfg.Surfaces {
		guards[sc.Name] = guard.New(guard.Config{
			Surface:    string(sc.Name),
			StaleAfter: cfg.Guard.StaleAfter,
			Host:       e.host,
			Logger:     logger,
		})
		surfaces[sc.Name] = orchestrator.SurfaceOptions{
			ContextMessages: sc.ContextMessages,
			Style:           sc.Style,
			CustomPrefix:    sc.CustomPrefix,
			Temperature:     sc.Temperature,
			MaxTokens:       sc.MaxTokens,
		}
	}
	e.orch = orchestrator.New(orchestrator.Config{
		Store:        store,
		Generator:    gen,
		Guards:       guards,
		Surfaces:     surfaces,
		GlobalPrefix: cfg.GlobalPrefix,
		Styles:       orchestrator.NewStyles(cfg.Styles),
		Logger:       logger,
	})

	for _, sc := range cfg.Surfaces {
		sched, err := e.scheduler(sc)
		if err != nil {
			e.Close()
			return nil, err
		}
		m, err := feed.New(feed.Config{
			Surface:          sc.Name,
			Store:            store,
			Host:             e.host,
			Orchestrator:     e.orch,
			Threshold:        sc.Threshold,
			Debounce:         sc.EffectiveDebounce(),
			Scheduler:        sched,
			Disabled:         !sc.Enabled,
			Cron:             sc.Cron,
			Style:            sc.Style,
			ReplyAfterIntent: sc.ReplyAfterIntent,
			Queued:           sc.Queued,
			QueueSize:        cfg.Queue.MaxSize,
			DrainDelay:       cfg.Queue.DrainDelay,
			Journal:          e.journal,
			Logger:           logger,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("surface %s: %w", sc.Name, err)
		}
		e.managers = append(e.managers, m)
	}
	return e, nil
}

func (e *engine) openStore() (transcript.Store, error) {
	tc := e.cfg.Transcript
	switch tc.Backend {
	case "memory":
		return transcript.NewMemoryStore(), nil
	case "file":
		if err := os.MkdirAll(filepath.Dir(tc.Path), 0o755); err != nil {
			return nil, err
		}
		return transcript.NewFileStore(tc.Path), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(tc.Path), 0o755); err != nil {
			return nil, err
		}
		s, err := transcript.OpenSQLite(tc.Path)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown transcript backend %q", tc.Backend)
}

func (e *engine) scheduler(sc config.SurfaceConfig) (listener.Scheduler, error) {
	switch sc.Scheduler {
	case "", "interval":
		return listener.IntervalScheduler{Interval: sc.Interval}, nil
	case "notify":
		n, ok := e.store.(transcript.Notifier)
		if !ok {
			return nil, fmt.Errorf("surface %s: %s transcript does not push changes", sc.Name, e.cfg.Transcript.Backend)
		}
		return listener.NotifyScheduler{Source: n}, nil
	case "watch":
		fs, ok := e.store.(*transcript.FileStore)
		if !ok {
			return nil, fmt.Errorf("surface %s: watch needs the file transcript", sc.Name)
		}
		return listener.WatchScheduler{Path: fs.Path(), Logger: e.logger}, nil
	}
	return nil, fmt.Errorf("surface %s: unknown scheduler %q", sc.Name, sc.Scheduler)
}

func (e *engine) manager(surface types.Surface) (*feed.Manager, error) {
	for _, m := range e.managers {
		if m.Surface() == surface {
			return m, nil
		}
	}
	return nil, fmt.Errorf("surface %q is not configured", surface)
}

func (e *engine) Start(ctx context.Context) error {
	for _, m := range e.managers {
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("surface %s: %w", m.Surface(), err)
		}
	}
	return nil
}

// Close stops the managers, then releases the journal and store.
func (e *engine) Close() error {
	for _, m := range e.managers {
		m.Stop()
	}
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func newGenerator(ctx context.Context, gc config.GeneratorConfig) (llm.Generator, error) {
	var (
		g   llm.Generator
		err error
	)
	switch gc.Provider {
	case "genai":
		g, err = llm.NewGeminiProvider(ctx, llm.GeminiConfig{APIKey: gc.APIKey, Model: gc.Model})
	case "adk":
		g, err = llm.NewGeminiModel(ctx, gc.Model, gc.APIKey)
	case "openai":
		g, err = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:     gc.APIKey,
			BaseURL:    gc.BaseURL,
			Model:      gc.Model,
			MaxRetries: gc.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unknown generator provider %q", gc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s generator: %w", gc.Provider, err)
	}
	return llm.NewLimited(g, gc.RateLimit, gc.Burst), nil
}
