// Package config defines the companion daemon configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level companion configuration.
type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	Tasks     TasksConfig    `json:"tasks" yaml:"tasks"`
	Sessions  SessionsConfig `json:"sessions" yaml:"sessions"`
	Updates   UpdatesConfig  `json:"updates" yaml:"updates"`
	Files     FilesConfig    `json:"files" yaml:"files"`
	Audit     AuditConfig    `json:"audit" yaml:"audit"`
	DataDir   string         `json:"data_dir" yaml:"data_dir"`
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr              string   `json:"addr" yaml:"addr"` // listen address, e.g., "127.0.0.1:8080"
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
}

// TasksConfig controls the worker pool and reaper.
type TasksConfig struct {
	MaxWorkers    int      `json:"max_workers" yaml:"max_workers"` // 0 = goroutine per task
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	ReapInterval  Duration `json:"reap_interval" yaml:"reap_interval"`
	Retention     Duration `json:"retention" yaml:"retention"`
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// SessionsConfig controls WebSocket session delivery.
type SessionsConfig struct {
	SendTimeout Duration `json:"send_timeout" yaml:"send_timeout"`
	Buffer      int      `json:"buffer" yaml:"buffer"`
}

// UpdatesConfig controls the GitHub release checker.
type UpdatesConfig struct {
	CurrentVersion string `json:"current_version" yaml:"current_version"`
	RepoOwner      string `json:"repo_owner" yaml:"repo_owner"`
	RepoName       string `json:"repo_name" yaml:"repo_name"`
	APIBase        string `json:"api_base" yaml:"api_base"`
	DownloadDir    string `json:"download_dir" yaml:"download_dir"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
}

// FilesConfig controls file-copy and file-move jobs.
type FilesConfig struct {
	ProgressRate float64 `json:"progress_rate" yaml:"progress_rate"` // reports per second
	Root         string  `json:"root" yaml:"root"`                   // confine file jobs beneath this dir; empty = unrestricted
}

// AuditConfig controls the persistent audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Buffer  int    `json:"buffer" yaml:"buffer"`

	// Retention is how long entries are kept; 0 keeps them forever.
	Retention Duration `json:"retention" yaml:"retention"`
}

// Duration is a time.Duration that reads and writes as a string like "30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			ReadHeaderTimeout: Duration(15 * time.Second),
		},
		Tasks: TasksConfig{
			QueueSize:     64,
			ReapInterval:  Duration(30 * time.Second),
			Retention:     Duration(5 * time.Minute),
			ShutdownGrace: Duration(5 * time.Second),
		},
		Sessions: SessionsConfig{
			SendTimeout: Duration(5 * time.Second),
			Buffer:      64,
		},
		Updates: UpdatesConfig{
			RepoOwner:  "GoCodeAlone",
			RepoName:   "companion",
			APIBase:    "https://api.github.com",
			MaxRetries: 3,
		},
		Files: FilesConfig{
			ProgressRate: 20,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Buffer:    256,
			Retention: Duration(7 * 24 * time.Hour),
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a YAML config file and returns the parsed configuration. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	if c.Tasks.MaxWorkers < 0 {
		return fmt.Errorf("tasks.max_workers must be >= 0, got %d", c.Tasks.MaxWorkers)
	}
	if c.Tasks.QueueSize < 0 {
		return fmt.Errorf("tasks.queue_size must be >= 0, got %d", c.Tasks.QueueSize)
	}
	if c.Sessions.Buffer < 0 {
		return fmt.Errorf("sessions.buffer must be >= 0, got %d", c.Sessions.Buffer)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// AuditPath returns the audit database path, defaulting under DataDir.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// DownloadDir returns the update download directory, defaulting under DataDir.
func (c *Config) DownloadDir() string {
	if c.Updates.DownloadDir != "" {
		return c.Updates.DownloadDir
	}
	return filepath.Join(c.DataDir, "updates")
}

// Level maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
