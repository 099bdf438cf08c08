// ============================================================================
// Configuration - YAML file, defaults, validation, .env secrets
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Every tunable the engine reads at construction time
//
// Load order:
//   1. .env files (optional) populate the process environment; provider API
//      keys are read from the variables named by api_key_env
//   2. Defaults()
//   3. YAML file decoded on top; keys absent from the file keep their default
//   4. per-provider defaults for fields left empty
//   5. struct validation
//
// Example:
//
//   providers:
//     - name: openai
//       kind: openai
//       model: gpt-4o
//     - name: anthropic
//       kind: anthropic
//       model: claude-sonnet-4-20250514
//   scheduler:
//     base_interval: 2s
//   store:
//     backend: badger
//     path: data/store
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Provider kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindScripted  = "scripted"
)

// Config is the complete engine configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers" validate:"min=1,unique=Name,dive"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Sequence  SequenceConfig   `yaml:"sequence"`
	Store     StoreConfig      `yaml:"store"`
	Journal   JournalConfig    `yaml:"journal"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Server    ServerConfig     `yaml:"server"`
	Image     ImageConfig      `yaml:"image"`
	Log       LogConfig        `yaml:"log"`
}

// ProviderConfig describes one analysis provider. Order in the file is failover order.
type ProviderConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	Kind           string        `yaml:"kind" validate:"required,oneof=openai anthropic scripted"`
	Model          string        `yaml:"model"`
	Enabled        *bool         `yaml:"enabled"`
	SupportsVision *bool         `yaml:"supports_vision"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	BaseURL        string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxTokens      int           `yaml:"max_tokens" validate:"gte=0"`
	// Script is replayed by the scripted kind.
	Script []ScriptStep `yaml:"script"`
}

// ScriptStep is one scripted reply.
type ScriptStep struct {
	Payload   string `yaml:"payload"`
	Error     string `yaml:"error"`
	Permanent bool   `yaml:"permanent"`
}

// IsEnabled reports the enabled flag; unset means enabled.
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

// HasVision reports the vision flag; unset means vision-capable.
func (p ProviderConfig) HasVision() bool { return p.SupportsVision == nil || *p.SupportsVision }

// APIKey reads the provider's key from the environment.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// SchedulerConfig configures request dispatch.
type SchedulerConfig struct {
	QueueCapacity int           `yaml:"queue_capacity" validate:"gte=1"`
	BaseInterval  time.Duration `yaml:"base_interval" validate:"gt=0"`
	TickInterval  time.Duration `yaml:"tick_interval" validate:"gt=0"`
	IdleReset     time.Duration `yaml:"idle_reset" validate:"gt=0"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=1,lte=5"`
	DefaultPrompt string        `yaml:"default_prompt"`
}

// SequenceConfig configures sequential learning runs.
type SequenceConfig struct {
	Length       int           `yaml:"length" validate:"gte=0"`
	MaxLength    int           `yaml:"max_length" validate:"gte=0"`
	StepInterval time.Duration `yaml:"step_interval" validate:"gte=0"`
	BasePrompt   string        `yaml:"base_prompt"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend    string  `yaml:"backend" validate:"oneof=memory file badger sqlite"`
	Path       string  `yaml:"path" validate:"required_unless=Backend memory"`
	QuotaBytes int64   `yaml:"quota_bytes" validate:"gte=0"`
	LowWater   float64 `yaml:"low_water" validate:"gt=0,lte=1"`

	// HousekeepingInterval is how often the quota is enforced.
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval" validate:"gt=0"`
}

// JournalConfig configures the request lifecycle journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path" validate:"required_if=Enabled true"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"gte=0,lte=65535"`
}

// ServerConfig configures the gRPC service.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// ImageConfig controls image normalization before submission.
type ImageConfig struct {
	Normalize bool `yaml:"normalize"`
	Quality   int  `yaml:"quality" validate:"gte=1,lte=100"`
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultPrompt is the analysis prompt used when nothing else is configured.
const DefaultPrompt = `You are an equine health and behavior analyst. Examine the photo and respond ` +
	`with JSON containing "detection", "health_assessment", "behavior_assessment", ` +
	`"risk_assessment", "recommendations" and "summary".`

// Defaults returns a complete configuration with every default applied.
func Defaults() Config {
	return Config{
		Providers: []ProviderConfig{
			{Name: "openai", Kind: KindOpenAI, Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY", Timeout: 60 * time.Second},
			{Name: "anthropic", Kind: KindAnthropic, Model: "claude-sonnet-4-20250514", APIKeyEnv: "ANTHROPIC_API_KEY", Timeout: 60 * time.Second},
		},
		Breaker: BreakerConfig{FailureThreshold: 3, ResetTimeout: 60 * time.Second},
		Scheduler: SchedulerConfig{
			QueueCapacity: 25,
			BaseInterval:  2 * time.Second,
			TickInterval:  time.Second,
			IdleReset:     60 * time.Second,
			MaxAttempts:   1,
			DefaultPrompt: DefaultPrompt,
		},
		Sequence: SequenceConfig{MaxLength: 12, StepInterval: 0, BasePrompt: DefaultPrompt},
		Store:    StoreConfig{Backend: "memory", LowWater: 0.8, HousekeepingInterval: time.Minute},
		Journal:  JournalConfig{BufferSize: 64, FlushInterval: time.Second},
		Metrics:  MetricsConfig{Port: 9090},
		Server:   ServerConfig{Port: 50051},
		Image:    ImageConfig{Normalize: true, Quality: 95},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// LoadEnv loads .env files into the environment. Missing files are not an error.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			slog.Debug("No .env file loaded", "file", f, "error", err)
			continue
		}
		slog.Debug("Loaded .env file", "file", f)
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, fills provider defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Kind = strings.ToLower(p.Kind)
		if p.Timeout == 0 {
			p.Timeout = 60 * time.Second
		}
		if p.APIKeyEnv == "" {
			switch p.Kind {
			case KindOpenAI:
				p.APIKeyEnv = "OPENAI_API_KEY"
			case KindAnthropic:
				p.APIKeyEnv = "ANTHROPIC_API_KEY"
			}
		}
	}
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
