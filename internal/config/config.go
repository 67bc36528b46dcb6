package config

import (
	"crypto/sha256"
	"fmt"
)

// Config represents the complete application configuration.
type Config struct {
	WebDAV   WebDAVConfig   `yaml:"webdav" mapstructure:"webdav"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Servers  []ServerConfig `yaml:"servers" mapstructure:"servers"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
}

// WebDAVConfig represents the WebDAV server configuration.
type WebDAVConfig struct {
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
}

// APIConfig represents the REST API configuration.
type APIConfig struct {
	Prefix  string `yaml:"prefix" mapstructure:"prefix"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	StrmKey string `yaml:"strm_key" mapstructure:"strm_key"`
	// BaseURL is the externally reachable address written into .strm
	// files; media servers resolve stream URLs against it.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// DatabaseConfig represents the SQLite store configuration.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig represents logging configuration with rotation support.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	Level      string `yaml:"level" mapstructure:"level"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// ServerConfig represents a single NNTP server. Immutable between
// reconfigurations; lower Priority is tried first.
type ServerConfig struct {
	ID             string `yaml:"id" mapstructure:"id"`
	Name           string `yaml:"name" mapstructure:"name"`
	Host           string `yaml:"host" mapstructure:"host"`
	Port           int    `yaml:"port" mapstructure:"port"`
	TLS            bool   `yaml:"tls" mapstructure:"tls"`
	InsecureTLS    bool   `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	Username       string `yaml:"username" mapstructure:"username"`
	Password       string `yaml:"password" mapstructure:"password"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
	Priority       int    `yaml:"priority" mapstructure:"priority"`
	Enabled        *bool  `yaml:"enabled" mapstructure:"enabled"`
	RetentionDays  int    `yaml:"retention_days" mapstructure:"retention_days"`
}

// IsEnabled treats a missing enabled flag as enabled.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DuplicateNzbBehavior controls what happens when a job name collides with
// an existing mount folder.
type DuplicateNzbBehavior string

const (
	DuplicateMarkFailed DuplicateNzbBehavior = "mark-failed"
	DuplicateIncrement  DuplicateNzbBehavior = "increment"
	DuplicateOverwrite  DuplicateNzbBehavior = "overwrite"
)

// ImportStrategy controls how completed imports are surfaced to library
// managers.
type ImportStrategy string

const (
	ImportStrategyStrm     ImportStrategy = "strm"
	ImportStrategySymlinks ImportStrategy = "symlinks"
)

// ImportConfig represents the NZB pipeline configuration.
type ImportConfig struct {
	MaxQueueConnections     int                  `yaml:"max_queue_connections" mapstructure:"max_queue_connections"`
	DuplicateNzbBehavior    DuplicateNzbBehavior `yaml:"duplicate_nzb_behavior" mapstructure:"duplicate_nzb_behavior"`
	ImportStrategy          ImportStrategy       `yaml:"import_strategy" mapstructure:"import_strategy"`
	EnsureArticleExistence  bool                 `yaml:"ensure_article_existence" mapstructure:"ensure_article_existence"`
	HealthCheckSamplingRate float64              `yaml:"health_check_sampling_rate" mapstructure:"health_check_sampling_rate"`
	MinHealthCheckSegments  int                  `yaml:"min_health_check_segments" mapstructure:"min_health_check_segments"`
	EnsureImportableVideo   bool                 `yaml:"ensure_importable_video" mapstructure:"ensure_importable_video"`
	IgnoreSabHistoryLimit   bool                 `yaml:"ignore_sab_history_limit" mapstructure:"ignore_sab_history_limit"`
	BlacklistedExtensions   []string             `yaml:"blacklisted_extensions" mapstructure:"blacklisted_extensions"`
}

// GenerateServerID creates a stable ID from host, port and username.
func GenerateServerID(host string, port int, username string) string {
	input := fmt.Sprintf("%s:%d@%s", host, port, username)
	hash := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", hash)[:8]
}

// DeepCopy returns a full copy of the configuration so snapshot readers
// never observe concurrent mutation.
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	out := *c

	if c.Servers != nil {
		out.Servers = make([]ServerConfig, len(c.Servers))
		for i, s := range c.Servers {
			sc := s
			if s.Enabled != nil {
				v := *s.Enabled
				sc.Enabled = &v
			}
			out.Servers[i] = sc
		}
	}

	if c.Import.BlacklistedExtensions != nil {
		out.Import.BlacklistedExtensions = append([]string(nil), c.Import.BlacklistedExtensions...)
	}

	return &out
}

// DefaultConfig returns a configuration with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		WebDAV: WebDAVConfig{Port: 8080, User: "usenet", Password: "usenet"},
		API:    APIConfig{Prefix: "/api", BaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{
			Path: "./davmount.db",
		},
		Log: LogConfig{Level: "info", MaxSize: 100, MaxAge: 30, MaxBackups: 5},
		Import: ImportConfig{
			MaxQueueConnections:     5,
			DuplicateNzbBehavior:    DuplicateIncrement,
			ImportStrategy:          ImportStrategyStrm,
			HealthCheckSamplingRate: 0.05,
			MinHealthCheckSegments:  10,
			BlacklistedExtensions:   []string{".exe", ".bat", ".com", ".scr", ".lnk"},
		},
	}
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Host == "" {
			return fmt.Errorf("server %d: host is required", i)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("server %q: invalid port %d", s.Host, s.Port)
		}
		if s.MaxConnections <= 0 {
			return fmt.Errorf("server %q: max_connections must be positive", s.Host)
		}
		if s.ID == "" {
			s.ID = GenerateServerID(s.Host, s.Port, s.Username)
		}
	}

	switch c.Import.DuplicateNzbBehavior {
	case DuplicateMarkFailed, DuplicateIncrement, DuplicateOverwrite, "":
	default:
		return fmt.Errorf("invalid duplicate_nzb_behavior %q", c.Import.DuplicateNzbBehavior)
	}

	switch c.Import.ImportStrategy {
	case ImportStrategyStrm, ImportStrategySymlinks, "":
	default:
		return fmt.Errorf("invalid import_strategy %q", c.Import.ImportStrategy)
	}

	if r := c.Import.HealthCheckSamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("health_check_sampling_rate must be in (0,1], got %v", r)
	}

	return nil
}
