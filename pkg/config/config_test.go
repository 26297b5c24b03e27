package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cpunion/feedsync/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	events, ok := cfg.Surface(types.SurfaceEvents)
	if !ok || !events.Queued {
		t.Fatalf("events surface=%+v ok=%v, want queued", events, ok)
	}
	if len(cfg.Surfaces) != len(types.AllSurfaces()) {
		t.Fatalf("surfaces=%d", len(cfg.Surfaces))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GOOGLE_MODEL", "")
	t.Setenv("FEEDSYNC_TRANSCRIPT", "")
	t.Setenv("FEEDSYNC_ADDR", "")

	path := filepath.Join(t.TempDir(), "nested", "feedsync.yaml")
	cfg := Default()
	cfg.GlobalPrefix = "故事发生在一座海边小城。"
	cfg.Styles = map[string]string{"poetic": "像诗一样"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "staleAfter: 30s") {
		t.Fatalf("durations not written as strings:\n%s", data)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_PartialFile(t *testing.T) {
	t.Setenv("FEEDSYNC_TRANSCRIPT", "")
	t.Setenv("FEEDSYNC_ADDR", "")
	path := filepath.Join(t.TempDir(), "feedsync.yaml")
	yaml := `
transcript:
  backend: memory
server:
  addr: ":9090"
surfaces:
  - name: forum
    enabled: true
    debounce: 500ms
    cron: "@every 1h"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Queue.MaxSize != 20 {
		t.Fatalf("server=%+v queue=%+v", cfg.Server, cfg.Queue)
	}
	want := SurfaceConfig{
		Name:            types.SurfaceForum,
		Enabled:         true,
		Threshold:       5,
		Scheduler:       "interval",
		Interval:        3 * time.Second,
		Debounce:        500 * time.Millisecond,
		Cron:            "@every 1h",
		ContextMessages: 10,
		MaxTokens:       2048,
	}
	if diff := cmp.Diff([]SurfaceConfig{want}, cfg.Surfaces); diff != "" {
		t.Fatalf("surfaces mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "https://gateway.example/v1")
	t.Setenv("FEEDSYNC_TRANSCRIPT", "/tmp/chat.db")
	t.Setenv("FEEDSYNC_ADDR", "127.0.0.1:7000")

	cfg := Default()
	cfg.Generator.Provider = "openai"
	cfg.ResolveEnv()
	if cfg.Generator.APIKey != "sk-test" || cfg.Generator.BaseURL != "https://gateway.example/v1" {
		t.Fatalf("generator=%+v", cfg.Generator)
	}
	if cfg.Transcript.Backend != "sqlite" || cfg.Transcript.Path != "/tmp/chat.db" {
		t.Fatalf("transcript=%+v", cfg.Transcript)
	}
	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Fatalf("addr=%q", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Transcript.Backend = "redis" }, "unknown transcript.backend"},
		{"path", func(c *Config) { c.Transcript.Path = "" }, "transcript.path is required"},
		{"provider", func(c *Config) { c.Generator.Provider = "local" }, "unknown generator.provider"},
		{"surface", func(c *Config) { c.Surfaces[0].Name = "tiktok" }, "unknown surface"},
		{"duplicate", func(c *Config) { c.Surfaces[1].Name = types.SurfaceForum }, "configured twice"},
		{"scheduler", func(c *Config) { c.Surfaces[0].Scheduler = "poll" }, "unknown scheduler"},
		{"notify", func(c *Config) { c.Surfaces[0].Scheduler = "notify" }, "needs the memory backend"},
		{"watch", func(c *Config) {
			c.Transcript.Backend = "memory"
			c.Surfaces[0].Scheduler = "watch"
		}, "needs the file backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want %q", err, tt.want)
			}
		})
	}
}

func TestEffectiveDebounce(t *testing.T) {
	s := SurfaceConfig{Debounce: time.Second}
	if s.EffectiveDebounce() != time.Second {
		t.Fatalf("debounce=%v", s.EffectiveDebounce())
	}
	s.ImmediateOnThreshold = true
	if s.EffectiveDebounce() != 0 {
		t.Fatalf("immediate debounce=%v", s.EffectiveDebounce())
	}
}
