// Package config loads the feedsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/types"
)

// Config is the application's configuration model.
type Config struct {
	Transcript TranscriptConfig `yaml:"transcript"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Guard      GuardConfig      `yaml:"guard"`
	Queue      QueueConfig      `yaml:"queue"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Journal    JournalConfig    `yaml:"journal"`

	// GlobalPrefix is prepended to the instructions of every surface.
	GlobalPrefix string `yaml:"globalPrefix"`
	// Styles adds or replaces style templates by id.
	Styles   map[string]string `yaml:"styles"`
	Surfaces []SurfaceConfig   `yaml:"surfaces"`
}

type TranscriptConfig struct {
	Backend string `yaml:"backend"` // "memory", "file" or "sqlite"
	Path    string `yaml:"path"`
}

type GeneratorConfig struct {
	Provider string `yaml:"provider"` // "genai", "adk" or "openai"
	Model    string `yaml:"model"`
	// If empty, read from GOOGLE_API_KEY or OPENAI_API_KEY depending on the provider
	APIKey     string `yaml:"apiKey"`
	BaseURL    string `yaml:"baseURL"`
	MaxRetries int    `yaml:"maxRetries"`
	// Requests per second allowed to the provider; 0 disables throttling.
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

type GuardConfig struct {
	StaleAfter time.Duration `yaml:"staleAfter"`
}

type QueueConfig struct {
	MaxSize    int           `yaml:"maxSize"`
	DrainDelay time.Duration `yaml:"drainDelay"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type JournalConfig struct {
	// Empty disables the journal.
	Dir                string `yaml:"dir"`
	MaxRecordsPerShard int    `yaml:"maxRecordsPerShard"`
}

// SurfaceConfig tunes one surface.
type SurfaceConfig struct {
	Name    types.Surface `yaml:"name"`
	Enabled bool          `yaml:"enabled"`

	// Change detection
	Threshold            int           `yaml:"threshold"`
	Scheduler            string        `yaml:"scheduler"` // "interval", "notify" or "watch"
	Interval             time.Duration `yaml:"interval"`
	Debounce             time.Duration `yaml:"debounce"`
	ImmediateOnThreshold bool          `yaml:"immediateOnThreshold"`
	Cron                 string        `yaml:"cron"`
	Queued               bool          `yaml:"queued"`
	ReplyAfterIntent     bool          `yaml:"replyAfterIntent"`

	// Prompting
	ContextMessages int     `yaml:"contextMessages"`
	Style           string  `yaml:"style"`
	CustomPrefix    string  `yaml:"customPrefix"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"maxTokens"`
}

// EffectiveDebounce is zero when the surface triggers immediately on threshold.
func (s SurfaceConfig) EffectiveDebounce() time.Duration {
	if s.ImmediateOnThreshold {
		return 0
	}
	return s.Debounce
}

// fillDefaults sets the zero tuning fields of a surface read from a file.
// Booleans (Enabled, ImmediateOnThreshold) are taken as written.
func (s *SurfaceConfig) fillDefaults() {
	if s.Threshold <= 0 {
		s.Threshold = 5
	}
	if s.Scheduler == "" {
		s.Scheduler = "interval"
	}
	if s.Interval <= 0 {
		s.Interval = 3 * time.Second
	}
	if s.ContextMessages <= 0 {
		s.ContextMessages = 10
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 2048
	}
}

// Default returns a sensible default configuration.
func Default() Config {
	surface := func(name types.Surface, threshold int) SurfaceConfig {
		return SurfaceConfig{
			Name:                 name,
			Enabled:              true,
			Threshold:            threshold,
			Scheduler:            "interval",
			Interval:             3 * time.Second,
			Debounce:             2 * time.Second,
			ImmediateOnThreshold: true,
			ContextMessages:      10,
			Style:                "default",
			Temperature:          0.9,
			MaxTokens:            2048,
		}
	}
	forum := surface(types.SurfaceForum, 5)
	forum.ReplyAfterIntent = true
	weibo := surface(types.SurfaceWeibo, 5)
	weibo.ReplyAfterIntent = true
	backpack := surface(types.SurfaceBackpack, 8)
	backpack.Temperature = 0.7
	events := surface(types.SurfaceEvents, 10)
	events.Queued = true

	return Config{
		Transcript: TranscriptConfig{Backend: "file", Path: "./data/transcript.json"},
		Generator:  GeneratorConfig{Provider: "genai", Model: "gemini-3-pro", Burst: 1},
		Guard:      GuardConfig{StaleAfter: 30 * time.Second},
		Queue:      QueueConfig{MaxSize: 20, DrainDelay: time.Second},
		Server:     ServerConfig{Addr: ":8080"},
		Log:        LogConfig{Level: "info"},
		Journal:    JournalConfig{Dir: "./data/journal", MaxRecordsPerShard: 200},
		Surfaces:   []SurfaceConfig{forum, weibo, backpack, events},
	}
}

// ResolveEnv fills credentials from the environment when not set.
// FEEDSYNC_TRANSCRIPT and FEEDSYNC_ADDR always override the file.
func (c *Config) ResolveEnv() {
	switch c.Generator.Provider {
	case "genai", "adk":
		if c.Generator.APIKey == "" {
			c.Generator.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
		if c.Generator.Model == "" {
			c.Generator.Model = os.Getenv("GOOGLE_MODEL")
		}
	case "openai":
		if c.Generator.APIKey == "" {
			c.Generator.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if c.Generator.BaseURL == "" {
			c.Generator.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
	}
	if p := os.Getenv("FEEDSYNC_TRANSCRIPT"); p != "" {
		c.Transcript.Path = p
		switch strings.ToLower(filepath.Ext(p)) {
		case ".db", ".sqlite", ".sqlite3":
			c.Transcript.Backend = "sqlite"
		default:
			c.Transcript.Backend = "file"
		}
	}
	if a := os.Getenv("FEEDSYNC_ADDR"); a != "" {
		c.Server.Addr = a
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.Transcript.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Transcript.Path == "" {
			return fmt.Errorf("transcript.path is required for the %s backend", c.Transcript.Backend)
		}
	default:
		return fmt.Errorf("unknown transcript.backend %q", c.Transcript.Backend)
	}
	switch c.Generator.Provider {
	case "genai", "adk", "openai":
	default:
		return fmt.Errorf("unknown generator.provider %q", c.Generator.Provider)
	}
	seen := make(map[types.Surface]bool)
	for _, s := range c.Surfaces {
		if _, ok := protocol.Lookup(s.Name); !ok {
			return fmt.Errorf("unknown surface %q", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("surface %q configured twice", s.Name)
		}
		seen[s.Name] = true
		switch s.Scheduler {
		case "", "interval", "notify":
		case "watch":
			if c.Transcript.Backend != "file" {
				return fmt.Errorf("surface %s: watch scheduler needs the file backend", s.Name)
			}
		default:
			return fmt.Errorf("surface %s: unknown scheduler %q", s.Name, s.Scheduler)
		}
		if s.Scheduler == "notify" && c.Transcript.Backend != "memory" {
			return fmt.Errorf("surface %s: notify scheduler needs the memory backend", s.Name)
		}
	}
	return nil
}

// Surface returns the configuration of a surface.
func (c *Config) Surface(name types.Surface) (SurfaceConfig, bool) {
	for _, s := range c.Surfaces {
		if s.Name == name {
			return s, true
		}
	}
	return SurfaceConfig{}, false
}

// Load reads YAML config from path. Fields missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range cfg.Surfaces {
		cfg.Surfaces[i].fillDefaults()
	}
	cfg.ResolveEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
