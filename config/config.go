// Package config loads the server configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"msrl.dev/git-submit/project"
)

// Config represents the server configuration.
type Config struct {
	SiteURL      string        `yaml:"site_url"`
	Database     string        `yaml:"database"`
	Repositories string        `yaml:"repositories"`
	ServerIdent  IdentConfig   `yaml:"server_ident"`
	Submit       SubmitConfig  `yaml:"submit"`
	Notes        NotesConfig   `yaml:"notes"`
	Queue        QueueConfig   `yaml:"queue"`
	Redis        RedisConfig   `yaml:"redis"`
	Labels       []LabelConfig `yaml:"labels"`
	LogLevel     string        `yaml:"log_level"`
}

// IdentConfig is the identity the server commits as.
type IdentConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// SubmitConfig holds site-wide submit settings.
type SubmitConfig struct {
	WholeTopic            bool   `yaml:"whole_topic"`
	ParallelChangeUpdates bool   `yaml:"parallel_change_updates"`
	DefaultType           string `yaml:"default_type"`
	ContentMerge          bool   `yaml:"content_merge"`
	RecursiveMerge        bool   `yaml:"recursive_merge"`
}

// NotesConfig names the notes branches written on submit.
type NotesConfig struct {
	Review  string `yaml:"review"`
	Changes string `yaml:"changes"`
}

// QueueConfig controls the background merge queue.
type QueueConfig struct {
	Workers    int           `yaml:"workers"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Fuzz       time.Duration `yaml:"fuzz"`
}

// RedisConfig selects the Redis server used for branch leases. An empty
// address keeps leases in process.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// LabelConfig is a review label and its vote range.
type LabelConfig struct {
	Name string `yaml:"name"`
	Min  int    `yaml:"min"`
	Max  int    `yaml:"max"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Database:     "review.db",
		Repositories: "git",
		ServerIdent: IdentConfig{
			Name:  "Code Review",
			Email: "review@localhost",
		},
		Submit: SubmitConfig{
			DefaultType:  "merge if necessary",
			ContentMerge: true,
		},
		Notes: NotesConfig{
			Review:  "refs/notes/review",
			Changes: "refs/notes/changes",
		},
		Queue: QueueConfig{
			Workers:    2,
			RetryDelay: 5 * time.Second,
			Fuzz:       time.Second,
		},
		Redis: RedisConfig{
			LeaseTTL: 30 * time.Second,
		},
		Labels: []LabelConfig{
			{Name: "Code-Review", Min: -2, Max: 2},
		},
		LogLevel: "info",
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Substitute environment variables
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := project.ParseSubmitType(c.Submit.DefaultType); err != nil {
		errs = append(errs, fmt.Errorf("submit.default_type: %w", err))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers))
	}
	if c.Queue.RetryDelay <= 0 {
		errs = append(errs, errors.New("queue.retry_delay must be positive"))
	}
	if c.Redis.Addr != "" && c.Redis.LeaseTTL <= 0 {
		errs = append(errs, errors.New("redis.lease_ttl must be positive"))
	}
	seen := make(map[string]bool)
	for _, l := range c.Labels {
		if l.Name == "" {
			errs = append(errs, errors.New("labels: empty label name"))
			continue
		}
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("labels: duplicate label %s", l.Name))
		}
		seen[l.Name] = true
		if l.Min > l.Max {
			errs = append(errs, fmt.Errorf("labels: %s has min %d above max %d", l.Name, l.Min, l.Max))
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProjectDefaults returns the submit settings for projects that set none.
func (c *Config) ProjectDefaults() project.Defaults {
	t, err := project.ParseSubmitType(c.Submit.DefaultType)
	if err != nil {
		t = project.MergeIfNecessary
	}
	return project.Defaults{
		SubmitType:        t,
		UseContentMerge:   c.Submit.ContentMerge,
		UseRecursiveMerge: c.Submit.RecursiveMerge,
	}
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
