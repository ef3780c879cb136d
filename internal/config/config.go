package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sbenjam1n/steward/internal/dispatch"
	"github.com/sbenjam1n/steward/internal/source"
)

// EnvPrefix is the prefix for environment overrides (STEWARD_INTERVAL, ...).
const EnvPrefix = "STEWARD"

const (
	ConfigFile   = "config.yaml"
	ActivityFile = "activity.jsonl"
	PendingFile  = "pending.md"
	PIDFile      = "daemon.pid"
	RulesDir     = "rules"
)

var validate = validator.New()

// RedisConfig enables the event mirror when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url" envconfig:"URL" validate:"omitempty,url"`
	Stream string `yaml:"stream" envconfig:"STREAM"`
	MaxLen int64  `yaml:"max_len" envconfig:"MAX_LEN" validate:"gte=0"`
}

// Config holds all configuration for steward.
type Config struct {
	// Home is the state directory. It is resolved before the file is read,
	// so it cannot be set from the file itself.
	Home string `yaml:"-" ignored:"true"`

	Interval       time.Duration `yaml:"interval" envconfig:"INTERVAL" validate:"min=1s"`
	LogLevel       string        `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Rules          []string      `yaml:"rules" envconfig:"RULES"`
	Workdir        string        `yaml:"workdir" envconfig:"WORKDIR"`
	Watch          bool          `yaml:"watch" envconfig:"WATCH"`
	ActivityWindow time.Duration `yaml:"activity_window" envconfig:"ACTIVITY_WINDOW" validate:"gte=0"`
	DedupeWindow   time.Duration `yaml:"dedupe_window" envconfig:"DEDUPE_WINDOW" validate:"gte=0"`

	// Tools maps tool names to executable paths.
	Tools   map[string]string `yaml:"tools" envconfig:"TOOLS"`
	Actions dispatch.Registry `yaml:"actions" ignored:"true"`
	Sources []source.Spec     `yaml:"sources" ignored:"true" validate:"dive"`

	Redis RedisConfig `yaml:"redis" envconfig:"REDIS"`
}

// Options selects where configuration comes from. Empty fields fall back to
// STEWARD_HOME, then ~/.steward, and <home>/config.yaml.
type Options struct {
	Home string
	Path string
}

// Default returns the configuration used when no file exists.
func Default(home string) *Config {
	return &Config{
		Home:           home,
		Interval:       60 * time.Second,
		LogLevel:       "info",
		ActivityWindow: 24 * time.Hour,
		DedupeWindow:   24 * time.Hour,
		Watch:          true,
	}
}

// ResolveHome returns the state directory for an optional explicit value.
func ResolveHome(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(EnvPrefix + "_HOME")
	}
	if explicit == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		explicit = filepath.Join(userHome, ".steward")
	}
	return filepath.Abs(expandTilde(explicit))
}

// Load reads the config file, applies .env and STEWARD_* overrides, and
// validates the result. A missing config file yields the defaults.
func Load(opts Options) (*Config, error) {
	_ = godotenv.Load(".env")

	home, err := ResolveHome(opts.Home)
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load(filepath.Join(home, ".env"))

	cfg := Default(home)

	path := opts.Path
	if path == "" {
		path = filepath.Join(home, ConfigFile)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && opts.Path == "":
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process env vars: %w", err)
	}

	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (c *Config) fill() {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if len(c.Rules) == 0 {
		c.Rules = []string{filepath.Join(c.Home, RulesDir, "*.md")}
	}
	for i, r := range c.Rules {
		c.Rules[i] = c.abs(r)
	}
	if c.Workdir != "" {
		c.Workdir = c.abs(c.Workdir)
	}
	for i := range c.Sources {
		if c.Sources[i].Type == source.TypeSQLite && c.Sources[i].Path != "" {
			c.Sources[i].Path = c.abs(c.Sources[i].Path)
		}
	}
	for name, p := range c.Tools {
		c.Tools[name] = expandTilde(p)
	}
}

// abs resolves p relative to Home.
func (c *Config) abs(p string) string {
	p = expandTilde(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

func (c *Config) ActivityPath() string { return filepath.Join(c.Home, ActivityFile) }
func (c *Config) PendingPath() string  { return filepath.Join(c.Home, PendingFile) }
func (c *Config) PIDPath() string      { return filepath.Join(c.Home, PIDFile) }
func (c *Config) RulesPath() string    { return filepath.Join(c.Home, RulesDir) }
func (c *Config) ConfigPath() string   { return filepath.Join(c.Home, ConfigFile) }

// RuleDirs returns the directories holding rule documents, for watching.
func (c *Config) RuleDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, r := range c.Rules {
		d := filepath.Dir(r)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func expandTilde(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(userHome, strings.TrimPrefix(p, "~"))
}
