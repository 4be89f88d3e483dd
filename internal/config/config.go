// Package config loads and validates link checker configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Lock      LockConfig      `mapstructure:"lock"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Checker   CheckerConfig   `mapstructure:"checker"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Content   ContentConfig   `mapstructure:"content"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Report    ReportConfig    `mapstructure:"report"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LockConfig selects the worker mutual-exclusion backend.
type LockConfig struct {
	Backend    string `mapstructure:"backend"`
	Name       string `mapstructure:"name"`
	RedisAddr  string `mapstructure:"redis_addr"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// WorkerConfig governs the run budget and throttling of the worker loop.
type WorkerConfig struct {
	Schedule            string  `mapstructure:"schedule"`
	MaxExecutionSeconds int     `mapstructure:"max_execution_seconds"`
	TargetResourceUsage float64 `mapstructure:"target_resource_usage"`
	ServerLoadLimit     float64 `mapstructure:"server_load_limit"`
	SyncBatchSize       int     `mapstructure:"sync_batch_size"`
	CheckBatchSize      int     `mapstructure:"check_batch_size"`
}

// SignatureConfig is the request identity presented to one site. Host matches
// the request host and its subdomains.
type SignatureConfig struct {
	Host           string            `mapstructure:"host"`
	UserAgent      string            `mapstructure:"user_agent"`
	AcceptLanguage string            `mapstructure:"accept_language"`
	Headers        map[string]string `mapstructure:"headers"`
}

// CheckerConfig configures the HTTP checker and due-link selection.
type CheckerConfig struct {
	CheckThresholdHours     int               `mapstructure:"check_threshold_hours"`
	RecheckThresholdSeconds int               `mapstructure:"recheck_threshold_seconds"`
	RecheckCount            int               `mapstructure:"recheck_count"`
	TimeoutSeconds          int               `mapstructure:"timeout_seconds"`
	MaxRedirects            int               `mapstructure:"max_redirects"`
	FollowRedirects         bool              `mapstructure:"follow_redirects"`
	RedirectRetryCount      int               `mapstructure:"redirect_retry_count"`
	UserAgent               string            `mapstructure:"user_agent"`
	AcceptLanguage          string            `mapstructure:"accept_language"`
	Signatures              []SignatureConfig `mapstructure:"signatures"`
	Exclusions              []string          `mapstructure:"exclusions"`
	MaxLogBodyBytes         int               `mapstructure:"max_log_body_bytes"`
}

// RateLimitConfig sizes the per-host token buckets.
type RateLimitConfig struct {
	Capacity        int `mapstructure:"capacity"`
	FillTimeSeconds int `mapstructure:"fill_time_seconds"`
	MinIntervalMs   int `mapstructure:"min_interval_ms"`
	MaxBuckets      int `mapstructure:"max_buckets"`
}

// ContentTypeConfig declares which statuses of a container type are checked
// and the format of each parseable field.
type ContentTypeConfig struct {
	Statuses []string          `mapstructure:"statuses"`
	Fields   map[string]string `mapstructure:"fields"`
}

// ContentConfig describes the content store being checked.
type ContentConfig struct {
	BaseURL string                       `mapstructure:"base_url"`
	Types   map[string]ContentTypeConfig `mapstructure:"types"`
}

// PublisherConfig selects where link status events go.
type PublisherConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ReportConfig selects where exported reports are written.
type ReportConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Content.Types) == 0 {
		cfg.Content.Types = DefaultContentTypes()
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
		if cfg.DB.DSN != "" {
			cfg.Lock.Backend = "postgres"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultContentTypes returns the container types checked when none are
// configured.
func DefaultContentTypes() map[string]ContentTypeConfig {
	return map[string]ContentTypeConfig{
		"post": {
			Statuses: []string{"publish"},
			Fields:   map[string]string{"post_content": "html"},
		},
		"comment": {
			Statuses: []string{"approved"},
			Fields: map[string]string{
				"comment_content":    "html",
				"comment_author_url": "url",
			},
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	// resolved in Load: postgres when db.dsn is set, memory otherwise
	v.SetDefault("lock.backend", "")
	v.SetDefault("lock.name", "linkcheck_worker")
	v.SetDefault("lock.ttl_seconds", 900)
	v.SetDefault("worker.schedule", "@every 10m")
	v.SetDefault("worker.max_execution_seconds", 420)
	v.SetDefault("worker.target_resource_usage", 0.25)
	v.SetDefault("worker.server_load_limit", 0)
	v.SetDefault("worker.sync_batch_size", 50)
	v.SetDefault("worker.check_batch_size", 50)
	v.SetDefault("checker.check_threshold_hours", 72)
	v.SetDefault("checker.recheck_threshold_seconds", 1800)
	v.SetDefault("checker.recheck_count", 3)
	v.SetDefault("checker.timeout_seconds", 30)
	v.SetDefault("checker.max_redirects", 5)
	v.SetDefault("checker.follow_redirects", true)
	v.SetDefault("checker.redirect_retry_count", 1)
	v.SetDefault("checker.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	v.SetDefault("checker.accept_language", "en-US,en;q=0.5")
	v.SetDefault("checker.max_log_body_bytes", 2048)
	v.SetDefault("ratelimit.capacity", 4)
	v.SetDefault("ratelimit.fill_time_seconds", 20)
	v.SetDefault("ratelimit.min_interval_ms", 1000)
	v.SetDefault("ratelimit.max_buckets", 200)
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "link-status")
	v.SetDefault("report.backend", "local")
	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.prefix", "reports")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Lock.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when lock.backend is postgres")
		}
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr must be set when lock.backend is redis")
		}
	default:
		return fmt.Errorf("lock.backend %q is not one of memory, postgres, redis", c.Lock.Backend)
	}
	if c.Lock.Name == "" {
		return fmt.Errorf("lock.name must be set")
	}
	if c.Worker.MaxExecutionSeconds <= 0 {
		return fmt.Errorf("worker.max_execution_seconds must be > 0")
	}
	if c.Worker.TargetResourceUsage <= 0 || c.Worker.TargetResourceUsage > 1 {
		return fmt.Errorf("worker.target_resource_usage must be in (0, 1]")
	}
	if c.Worker.SyncBatchSize <= 0 || c.Worker.CheckBatchSize <= 0 {
		return fmt.Errorf("worker.sync_batch_size and worker.check_batch_size must be > 0")
	}
	if c.Checker.TimeoutSeconds <= 0 {
		return fmt.Errorf("checker.timeout_seconds must be > 0")
	}
	if c.Checker.CheckThresholdHours <= 0 {
		return fmt.Errorf("checker.check_threshold_hours must be > 0")
	}
	if c.Checker.RecheckCount < 0 || c.Checker.MaxRedirects < 0 {
		return fmt.Errorf("checker.recheck_count and checker.max_redirects must be >= 0")
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("ratelimit.capacity must be >= 1")
	}
	if c.RateLimit.FillTimeSeconds <= 0 {
		return fmt.Errorf("ratelimit.fill_time_seconds must be > 0")
	}
	if c.RateLimit.MaxBuckets <= 0 {
		return fmt.Errorf("ratelimit.max_buckets must be > 0")
	}
	for name, ct := range c.Content.Types {
		if len(ct.Fields) == 0 {
			return fmt.Errorf("content.types.%s.fields must not be empty", name)
		}
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub", c.Publisher.Backend)
	}
	switch c.Report.Backend {
	case "memory", "local":
	case "gcs":
		if c.Report.Bucket == "" {
			return fmt.Errorf("report.bucket must be set for gcs")
		}
	default:
		return fmt.Errorf("report.backend %q is not one of memory, local, gcs", c.Report.Backend)
	}
	return nil
}

// MaxExecution is the wall-clock budget of one worker run.
func (c Config) MaxExecution() time.Duration {
	return time.Duration(c.Worker.MaxExecutionSeconds) * time.Second
}

// RequestTimeout bounds a single HTTP check.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Checker.TimeoutSeconds) * time.Second
}

// CheckThreshold is how long a checked link stays fresh.
func (c Config) CheckThreshold() time.Duration {
	return time.Duration(c.Checker.CheckThresholdHours) * time.Hour
}

// RecheckThreshold is the shorter interval for re-verifying broken links.
func (c Config) RecheckThreshold() time.Duration {
	return time.Duration(c.Checker.RecheckThresholdSeconds) * time.Second
}

// ContainerTypes lists the enabled container types in stable order.
func (c Config) ContainerTypes() []string {
	types := make([]string, 0, len(c.Content.Types))
	for name := range c.Content.Types {
		types = append(types, name)
	}
	slices.Sort(types)
	return types
}
