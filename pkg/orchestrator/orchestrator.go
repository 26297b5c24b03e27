// Package orchestrator turns transcript context into feed updates: it builds the
// prompt, calls the generator and merges the decoded fragment into the canonical
// document held in the transcript.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpunion/feedsync/pkg/clock"
	"github.com/cpunion/feedsync/pkg/guard"
	"github.com/cpunion/feedsync/pkg/llm"
	"github.com/cpunion/feedsync/pkg/merge"
	"github.com/cpunion/feedsync/pkg/metrics"
	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/transcript"
	"github.com/cpunion/feedsync/pkg/types"
)

var ErrGenerationFailed = errors.New("orchestrator: generation failed")

// DefaultContextMessages is the number of recent messages given as context.
const DefaultContextMessages = 10

// SurfaceOptions tunes generation on one surface.
type SurfaceOptions struct {
	ContextMessages int
	Style           string
	CustomPrefix    string
	Temperature     float64
	MaxTokens       int
}

type Config struct {
	Store     transcript.Store
	Generator llm.Generator
	// Guards holds the single-flight guard of each surface. A surface without a
	// guard generates unguarded.
	Guards       map[types.Surface]*guard.Guard
	Surfaces     map[types.Surface]SurfaceOptions
	GlobalPrefix string
	Styles       Styles
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Orchestrator runs generations and fragment writes against one transcript.
type Orchestrator struct {
	// mu serialises read-merge-write cycles on the transcript.
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Styles == nil {
		cfg.Styles = NewStyles(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Guards == nil {
		cfg.Guards = map[types.Surface]*guard.Guard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger.Named("orchestrator")}
}

// Guard returns the guard of surface, or nil.
func (o *Orchestrator) Guard(surface types.Surface) *guard.Guard {
	return o.cfg.Guards[surface]
}

// Styles returns the resolved style set.
func (o *Orchestrator) Styles() Styles { return o.cfg.Styles }

// Request describes one generation.
type Request struct {
	Surface   types.Surface
	Operation Operation
	// StyleID and CustomPrefix override the surface options when set.
	StyleID      string
	CustomPrefix string
	// Focus is the thread id continued by OpReply.
	Focus string
	// Cause and Event record what requested the generation.
	Cause types.TriggerCause
	Event string
	// Lease is passed by callers that already hold the surface guard.
	Lease *guard.Lease
}

// Result is the outcome of a successful generation or apply.
type Result struct {
	Surface  types.Surface
	Document *types.Document
	Report   merge.Report
	// Index is the transcript message holding the document.
	Index    int
	Appended bool
	Raw      string
	Warnings []protocol.Warning
}

// Generate runs one generation and writes the merged document back to the transcript.
// Failures leave the canonical document untouched and wrap ErrGenerationFailed, except
// guard contention which is returned as guard.ErrBusy or guard.ErrHostBusy.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	g, ok := protocol.Lookup(req.Surface)
	if !ok {
		return nil, fmt.Errorf("%w: unknown surface %q", ErrGenerationFailed, req.Surface)
	}
	if req.Operation == "" {
		req.Operation = OpNewPost
	}
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrGenerationFailed, req.Operation)
	}
	opts := o.cfg.Surfaces[req.Surface]
	styleID := req.StyleID
	if styleID == "" {
		styleID = opts.Style
	}
	style, err := o.cfg.Styles.Template(styleID)
	if err != nil {
		return nil, err
	}

	lease := req.Lease
	if gd := o.Guard(req.Surface); gd != nil {
		l, release, err := gd.Enter(req.Lease)
		if err != nil {
			return nil, err
		}
		defer release()
		lease = l
	}

	logger := o.logger.With(zap.String("surface", string(req.Surface)), zap.String("op", string(req.Operation)))

	msgs, err := o.cfg.Store.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read transcript: %w", ErrGenerationFailed, err)
	}

	focus := ""
	if req.Operation == OpReply {
		focus, err = focusText(req.Surface, msgs, req.Focus)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
	}
	customPrefix := req.CustomPrefix
	if customPrefix == "" {
		customPrefix = opts.CustomPrefix
	}

	prompt := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt(req.Operation, g, o.cfg.GlobalPrefix, customPrefix, style)}}
	prompt = append(prompt, contextMessages(msgs, opts.ContextMessages)...)
	prompt = append(prompt, llm.Message{Role: llm.RoleUser, Content: instruction(req.Operation, g, focus)})

	lease.Touch()
	start := time.Now()
	text, err := o.cfg.Generator.Generate(ctx, prompt, llm.Options{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens})
	lease.Touch()
	if err != nil {
		metrics.ObserveGeneration(string(req.Surface), "error", start)
		logger.Warn("generator failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		metrics.ObserveGeneration(string(req.Surface), "empty", start)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, llm.ErrEmptyResponse)
	}

	fragment, warnings := protocol.Decode(req.Surface, text, protocol.DecodeOptions{})
	metrics.AddDecodeWarnings(string(req.Surface), len(warnings))
	for _, w := range warnings {
		logger.Debug("skipped token", zap.String("warning", w.String()))
	}
	if fragment.Empty() {
		metrics.ObserveGeneration(string(req.Surface), "empty", start)
		logger.Warn("response has no decodable entities", zap.Int("warnings", len(warnings)), zap.Int("bytes", len(text)))
		return nil, fmt.Errorf("%w: no decodable entities in response", ErrGenerationFailed)
	}

	res, err := o.Apply(ctx, req.Surface, fragment, lease)
	if err != nil {
		metrics.ObserveGeneration(string(req.Surface), "error", start)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	metrics.ObserveGeneration(string(req.Surface), "ok", start)
	res.Raw = text
	res.Warnings = append(warnings, res.Warnings...)
	logger.Info("generation merged",
		zap.Int("index", res.Index),
		zap.Bool("appended", res.Appended),
		zap.Stringer("report", res.Report))
	return res, nil
}

// Apply merges a known fragment into the surface document in the transcript.
// It does not take the guard; writes are serialised by the orchestrator.
// A non-nil lease is touched.
func (o *Orchestrator) Apply(ctx context.Context, surface types.Surface, fragment *types.Document, lease *guard.Lease) (*Result, error) {
	g, ok := protocol.Lookup(surface)
	if !ok {
		return nil, fmt.Errorf("unknown surface %q", surface)
	}
	if fragment == nil {
		fragment = types.NewDocument(surface)
	}
	fragment.Surface = surface

	o.mu.Lock()
	defer o.mu.Unlock()
	lease.Touch()

	msgs, err := o.cfg.Store.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	start := time.Now()
	index := protocol.Find(surface, transcript.Bodies(msgs))
	var existing *types.Document
	var warnings []protocol.Warning
	if index >= 0 {
		existing, warnings, _ = protocol.Extract(surface, msgs[index].Body, protocol.DecodeOptions{})
		metrics.AddDecodeWarnings(string(surface), len(warnings))
	}
	doc, rep := merge.MergeWithReport(existing, fragment, merge.Options{Now: o.cfg.Clock.Now, Logger: o.logger})
	metrics.ObserveMerge(start)

	res := &Result{Surface: surface, Document: doc, Report: rep, Warnings: append(warnings, rep.Warnings...)}
	if index >= 0 {
		if err := o.cfg.Store.Replace(ctx, index, protocol.Embed(msgs[index].Body, doc)); err != nil {
			return nil, fmt.Errorf("write transcript: %w", err)
		}
		res.Index = index
	} else {
		res.Index, err = o.cfg.Store.Append(ctx, transcript.Message{
			Author: g.Name,
			Body:   protocol.Encode(doc),
			Time:   o.cfg.Clock.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("write transcript: %w", err)
		}
		res.Appended = true
	}
	lease.Touch()
	return res, nil
}

// Document decodes the current surface document. A transcript without one yields an empty document.
func (o *Orchestrator) Document(ctx context.Context, surface types.Surface) (*types.Document, error) {
	if _, ok := protocol.Lookup(surface); !ok {
		return nil, fmt.Errorf("unknown surface %q", surface)
	}
	msgs, err := o.cfg.Store.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	index := protocol.Find(surface, transcript.Bodies(msgs))
	if index < 0 {
		return types.NewDocument(surface), nil
	}
	doc, _, _ := protocol.Extract(surface, msgs[index].Body, protocol.DecodeOptions{})
	merge.SortByRecency(doc)
	return doc, nil
}

// contextMessages converts the last n messages into prompt turns with feed blocks removed.
func contextMessages(msgs []transcript.Message, n int) []llm.Message {
	if n <= 0 {
		n = DefaultContextMessages
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		body := stripBlocks(m.Body)
		if body == "" {
			continue
		}
		role := llm.RoleAssistant
		if m.IsUser {
			role = llm.RoleUser
		}
		if m.Author != "" {
			body = m.Author + "：" + body
		}
		out = append(out, llm.Message{Role: role, Content: body})
	}
	return out
}

// stripBlocks removes every surface's marked block from body.
func stripBlocks(body string) string {
	for _, s := range types.AllSurfaces() {
		m := protocol.MustLookup(s).Markers
		for {
			start, end, ok := m.Span(body)
			if !ok {
				break
			}
			body = body[:start] + body[end:]
		}
	}
	return strings.TrimSpace(body)
}

// focusText encodes the thread continued by a reply generation.
func focusText(surface types.Surface, msgs []transcript.Message, id string) (string, error) {
	if id == "" {
		return "", errors.New("reply generation needs a focus thread")
	}
	index := protocol.Find(surface, transcript.Bodies(msgs))
	if index < 0 {
		return "", fmt.Errorf("thread %s not found", id)
	}
	doc, _, _ := protocol.Extract(surface, msgs[index].Body, protocol.DecodeOptions{})
	t := doc.Thread(id)
	if t == nil {
		return "", fmt.Errorf("thread %s not found", id)
	}
	focus := types.NewDocument(surface)
	focus.Threads = []*types.Thread{t}
	return protocol.EncodeBody(focus), nil
}
