package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		QueueSize   int `yaml:"queue_size"`
	} `yaml:"worker"`

	Orchestrator struct {
		InferenceTimeout time.Duration `yaml:"inference_timeout"`
		CancelGrace      time.Duration `yaml:"cancel_grace"`
		CancelWait       time.Duration `yaml:"cancel_wait"`
		CleanupTimeout   time.Duration `yaml:"cleanup_timeout"`
		ReportDir        string        `yaml:"report_dir"`
	} `yaml:"orchestrator"`

	LLM struct {
		BaseURL   string        `yaml:"base_url"`
		APIKey    string        `yaml:"api_key"`
		Model     string        `yaml:"model"`
		MaxTokens int           `yaml:"max_tokens"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"llm"`

	Context struct {
		Driver string `yaml:"driver"` // file or postgres
		Dir    string `yaml:"dir"`
		DSN    string `yaml:"dsn"`
	} `yaml:"context"`

	HTTP struct {
		Addr        string  `yaml:"addr"`
		SubmitRate  float64 `yaml:"submit_rate"`
		SubmitBurst int     `yaml:"submit_burst"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"` // 0 serves /metrics on the HTTP API only
	} `yaml:"metrics"`

	History struct {
		Enabled       bool          `yaml:"enabled"`
		Path          string        `yaml:"path"`
		Retention     time.Duration `yaml:"retention"`
		PruneSchedule string        `yaml:"prune_schedule"`
	} `yaml:"history"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values. Worker, orchestrator and LLM timings are
// left to the defaults of the packages that consume them.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Orchestrator.ReportDir == "" {
		c.Orchestrator.ReportDir = "generated"
	}
	if c.Context.Driver == "" {
		c.Context.Driver = "file"
	}
	if c.Context.Dir == "" {
		c.Context.Dir = "contexts"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8000"
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.History.Path == "" {
		c.History.Path = "data/history.db"
	}
	if c.History.Retention <= 0 {
		c.History.Retention = 7 * 24 * time.Hour
	}
	if c.History.PruneSchedule == "" {
		c.History.PruneSchedule = "@hourly"
	}
}

func (c *Config) validate() error {
	switch c.Context.Driver {
	case "file":
	case "postgres":
		if c.Context.DSN == "" {
			return fmt.Errorf("invalid config: context.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid config: unknown context.driver %q", c.Context.Driver)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
