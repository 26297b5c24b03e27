package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cpunion/feedsync/pkg/config"
	"github.com/cpunion/feedsync/pkg/listener"
	"github.com/cpunion/feedsync/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Transcript = config.TranscriptConfig{Backend: "memory"}
	cfg.Generator = config.GeneratorConfig{Provider: "openai", APIKey: "test-key", Model: "gpt-4o-mini"}
	cfg.Journal.Dir = t.TempDir()
	return cfg
}

func TestBuildEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Surfaces[1].Scheduler = "notify"

	e, err := buildEngine(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	defer e.Close()

	if len(e.managers) != len(types.AllSurfaces()) {
		t.Fatalf("managers=%d", len(e.managers))
	}
	events, err := e.manager(types.SurfaceEvents)
	if err != nil || events.Queue() == nil {
		t.Fatalf("events manager=%v err=%v", events, err)
	}
	forum, _ := e.manager(types.SurfaceForum)
	if forum.Queue() != nil {
		t.Fatalf("forum is queued")
	}
	if e.journal == nil {
		t.Fatalf("journal not opened")
	}
	if _, err := e.manager("tiktok"); err == nil {
		t.Fatalf("expected unknown surface error")
	}
}

func TestScheduler(t *testing.T) {
	cfg := testConfig(t)
	e, err := buildEngine(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	defer e.Close()

	sc := cfg.Surfaces[0]
	sched, err := e.scheduler(sc)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if _, ok := sched.(listener.IntervalScheduler); !ok {
		t.Fatalf("scheduler=%T, want IntervalScheduler", sched)
	}
	sc.Scheduler = "notify"
	if sched, err = e.scheduler(sc); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, ok := sched.(listener.NotifyScheduler); !ok {
		t.Fatalf("scheduler=%T, want NotifyScheduler", sched)
	}
	sc.Scheduler = "watch"
	if _, err := e.scheduler(sc); err == nil {
		t.Fatalf("watch over memory transcript accepted")
	}
}

func TestNewGenerator_Unknown(t *testing.T) {
	if _, err := newGenerator(context.Background(), config.GeneratorConfig{Provider: "llama"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestMergeAndDecodeCommands(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	fragment := filepath.Join(dir, "fragment.txt")
	if err := os.WriteFile(fragment, []byte("刷新一下\n[标题|甲|t1|周末去哪|求推荐]\n[回复|乙|t1|爬山吧]"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	cmd := mergeCmd()
	cmd.SetArgs([]string{"forum", existing, fragment})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !strings.Contains(out.String(), "周末去哪") || !strings.Contains(errOut.String(), "threads +1") {
		t.Fatalf("out=%q err=%q", out.String(), errOut.String())
	}

	if err := os.WriteFile(existing, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	dec := decodeCmd()
	dec.SetArgs([]string{"forum", existing})
	dec.SetOut(&out)
	dec.SetErr(&errOut)
	if err := dec.Execute(); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.String(), `"id": "t1"`) || !strings.Contains(out.String(), "爬山吧") {
		t.Fatalf("decoded=%s", out.String())
	}

	bad := decodeCmd()
	bad.SetArgs([]string{"tiktok", existing})
	bad.SetOut(&out)
	bad.SetErr(&errOut)
	if err := bad.Execute(); err == nil {
		t.Fatalf("expected unknown surface error")
	}
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsync.yaml")
	var out bytes.Buffer
	cmd := initCmd(&path)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Surfaces) != 4 {
		t.Fatalf("surfaces=%d", len(cfg.Surfaces))
	}
	again := initCmd(&path)
	again.SetOut(&out)
	again.SetErr(&out)
	again.SetArgs([]string{})
	if err := again.Execute(); err == nil {
		t.Fatalf("init overwrote without --force")
	}
}
