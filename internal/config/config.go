// Package config provides configuration loading for mcp-guard.
//
// Configuration covers exactly what the authorization core needs to run:
// the HTTP listener, the decision cache, the policy engine bundle, the
// sensitivity classifier's bump rules, and the decision audit sink. It
// intentionally excludes anything transport- or identity-specific — this
// core receives an already-authenticated AuthorizationInput and has no
// opinion on how the caller obtained it.
package config

import (
	"time"
)

// Config is the top-level configuration for mcp-guard.
type Config struct {
	// Server configures the HTTP listener for the Authorize RPC and
	// operational endpoints.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Cache configures the decision cache (C1).
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Engine configures the policy engine (C2).
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// Classifier configures the sensitivity classifier (C3).
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`

	// TTL overrides the default sensitivity-to-TTL table (§3).
	TTL TTLConfig `yaml:"ttl" mapstructure:"ttl"`

	// Audit configures the decision audit sink (C5).
	Audit AuditSinkConfig `yaml:"audit" mapstructure:"audit"`

	// Observability configures OpenTelemetry tracing/metrics export (§11).
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// DevMode lowers an "info" log level to debug and enables the stdout
	// observability exporters for local iteration. Never set in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ObservabilityConfig configures the stdout-backed OpenTelemetry tracer and
// meter providers (§11).
type ObservabilityConfig struct {
	// Enabled turns on span/metric export. Off by default since the
	// stdout exporters are noisy; operators running without a collector
	// can turn this on for local debugging of the authorize hot path.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ServiceName is reported as the tracer/meter instrumentation name.
	// Defaults to "mcp-guard" when empty.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8443"
	// (localhost only) when empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// MetricsAddr is validated as host:port when set, but nothing reads it:
	// the Prometheus /metrics endpoint is always served by the main HTTP
	// listener at HTTPAddr, and no separate metrics listener is started.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// CacheConfig configures the sharded decision cache.
type CacheConfig struct {
	// Capacity is the total entry budget across all shards.
	Capacity int `yaml:"capacity" mapstructure:"capacity" validate:"omitempty,min=1"`
	// ShardCount is the number of independent LRU shards.
	ShardCount int `yaml:"shard_count" mapstructure:"shard_count" validate:"omitempty,min=1"`
	// SweepInterval is how often the background sweep removes expired
	// entries proactively, in addition to lazy expiry on Get.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// EngineConfig configures the OPA-backed policy engine.
type EngineConfig struct {
	// BundlePath is the directory of .rego modules to load.
	BundlePath string `yaml:"bundle_path" mapstructure:"bundle_path" validate:"required"`
	// EvalTimeout bounds a single policy evaluation (§5 watchdog).
	EvalTimeout time.Duration `yaml:"eval_timeout" mapstructure:"eval_timeout"`
	// DegradedThreshold is the number of consecutive engine faults that
	// trips degraded mode (§7).
	DegradedThreshold int `yaml:"degraded_threshold" mapstructure:"degraded_threshold" validate:"omitempty,min=1"`
	// ReloadOnSignal enables bundle hot-reload on SIGHUP (§12 supplemented
	// feature).
	ReloadOnSignal bool `yaml:"reload_on_signal" mapstructure:"reload_on_signal"`
	// WatchInterval, if positive, polls BundlePath at this cadence and
	// reloads when its contents change, in addition to SIGHUP and the
	// admin reload endpoint. 0 disables directory watching.
	WatchInterval time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
}

// ClassifierRuleConfig is one configurable sensitivity bump rule.
type ClassifierRuleConfig struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`
	To        string `yaml:"to" mapstructure:"to" validate:"required,oneof=low medium high critical"`
}

// ClassifierConfig configures the sensitivity classifier. The classifier's
// built-in §4.3 keyword table (payment, credential, secret, delete, admin,
// write, read, ...) is always active; entries configured here are merged
// on top of it, not in place of it.
type ClassifierConfig struct {
	// KeywordTags maps a keyword to the minimum sensitivity it implies,
	// e.g. {"pii": "high"}. Matched both as an exact resource tag and as a
	// substring of a tool's name/description.
	KeywordTags map[string]string `yaml:"keyword_tags" mapstructure:"keyword_tags"`
	// Rules are CEL-backed bump rules evaluated after keyword matching.
	Rules []ClassifierRuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// TTLConfig overrides the §3 sensitivity-to-TTL defaults. Zero values
// fall back to DefaultTTLTable in the coordinator.
type TTLConfig struct {
	Unset    time.Duration `yaml:"unset" mapstructure:"unset"`
	Low      time.Duration `yaml:"low" mapstructure:"low"`
	Medium   time.Duration `yaml:"medium" mapstructure:"medium"`
	High     time.Duration `yaml:"high" mapstructure:"high"`
	Critical time.Duration `yaml:"critical" mapstructure:"critical"`
}

// AuditSinkConfig configures the decision audit sink.
type AuditSinkConfig struct {
	// Dir is the directory decision records are written to as JSON Lines.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required"`
	// RetentionDays is how long decision record files are kept.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	// MaxFileSizeMB bounds a single decision log file before rotation.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	// CacheSize is the number of recent records kept in the read-side
	// ring buffer for the audit query endpoint.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
	// ChannelSize is the buffered channel depth between the coordinator
	// and the background batching worker.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// BatchSize is the number of records batched before a write.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval is the maximum time a batch waits before flushing.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	// SendTimeout bounds how long Record blocks under backpressure before
	// dropping. 0 drops immediately.
	SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	// DeadLetterPath, if set, spills records that would otherwise be
	// dropped under backpressure into a SQLite database at this path
	// instead of discarding them (§4.5 dead-letter spill). Empty disables
	// the dead-letter path and drops are logged only.
	DeadLetterPath string `yaml:"dead_letter_path" mapstructure:"dead_letter_path"`
}

// SetDefaults fills in zero-valued optional fields with the operational
// defaults described in SPEC_FULL.md §10.2.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8443"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 10000
	}
	if c.Cache.ShardCount == 0 {
		c.Cache.ShardCount = 16
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}

	if c.Engine.EvalTimeout == 0 {
		c.Engine.EvalTimeout = 50 * time.Millisecond
	}
	if c.Engine.DegradedThreshold == 0 {
		c.Engine.DegradedThreshold = 5
	}

	if c.TTL.Unset == 0 {
		c.TTL.Unset = 120 * time.Second
	}
	if c.TTL.Low == 0 {
		c.TTL.Low = 300 * time.Second
	}
	if c.TTL.Medium == 0 {
		c.TTL.Medium = 180 * time.Second
	}
	if c.TTL.High == 0 {
		c.TTL.High = 60 * time.Second
	}
	if c.TTL.Critical == 0 {
		c.TTL.Critical = 30 * time.Second
	}

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = time.Second
	}
	if c.Audit.SendTimeout == 0 {
		c.Audit.SendTimeout = 100 * time.Millisecond
	}
}

// SetDevDefaults applies permissive overrides when DevMode is set, mirroring
// the teacher's dev-mode escape hatch for local iteration.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
	if !c.Observability.Enabled {
		c.Observability.Enabled = true
	}
}
