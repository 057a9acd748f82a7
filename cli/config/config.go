package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/types"
)

// Config represents a trackd.yaml configuration file.
// All values are optional and act as defaults for trackd serve flags.
// CLI flags always override config values.
type Config struct {
	RunDir     string                 `yaml:"run_dir"`
	Run        RunConfig              `yaml:"run"`
	Log        LogConfig              `yaml:"log"`
	Sync       SyncConfig             `yaml:"sync"`
	Retry      map[string]RetryConfig `yaml:"retry"`
	Flow       map[string]int         `yaml:"flow"`
	Sampler    SamplerConfig          `yaml:"sampler"`
	Shutdown   ShutdownConfig         `yaml:"shutdown"`
	Checkpoint CheckpointConfig       `yaml:"checkpoint"`
	Adapter    AdapterConfig          `yaml:"adapter"`
}

// RunConfig names the run served by this process.
type RunConfig struct {
	ID      string `yaml:"id"`
	Project string `yaml:"project"`
	Entity  string `yaml:"entity"`
	// Day pins the storage partition (YYYY-MM-DD).
	Day string `yaml:"day"`
}

// LogConfig holds persistent log defaults.
type LogConfig struct {
	// Sync is "always" or "none".
	Sync  string `yaml:"sync"`
	Level string `yaml:"level"`
}

// SyncConfig holds remote sync defaults from the config file.
type SyncConfig struct {
	Policy        string   `yaml:"policy"`
	FlushCount    int      `yaml:"flush_count"`
	FlushInterval Duration `yaml:"flush_interval"`
	Backend       string   `yaml:"backend"`
	Path          string   `yaml:"path"`
	Dataset       string   `yaml:"dataset"`
	Region        string   `yaml:"region"`
	Endpoint      string   `yaml:"endpoint"`
	S3PathStyle   bool     `yaml:"s3_path_style"`
	// CompressFiles stores uploaded files zstd-compressed.
	CompressFiles bool `yaml:"compress_files"`
}

// RetryConfig overrides the retry policy of one operation kind.
// Zero fields keep the built-in value.
type RetryConfig struct {
	MinWait        Duration `yaml:"min_wait"`
	MaxWait        Duration `yaml:"max_wait"`
	MaxAttempts    int      `yaml:"max_attempts"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	Concurrency    int      `yaml:"concurrency"`
}

// SamplerConfig holds system monitor defaults.
type SamplerConfig struct {
	URL      string   `yaml:"url"`
	NodeID   string   `yaml:"node_id"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	PID      int      `yaml:"pid"`
	Devices  []int    `yaml:"devices"`
}

// ShutdownConfig bounds the shutdown sequence.
type ShutdownConfig struct {
	Budget       Duration            `yaml:"budget"`
	AwaitTimeout Duration            `yaml:"await_timeout"`
	States       map[string]Duration `yaml:"states"`
}

// CheckpointConfig configures the progress ledger.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url"`
	Channel   string            `yaml:"channel,omitempty"`
	StatusTTL Duration          `yaml:"status_ttl,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Secret    string            `yaml:"secret,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Retries   *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// SyncMode maps log.sync onto the log's fsync discipline.
func (c *Config) SyncMode() (datastore.SyncMode, error) {
	switch c.Log.Sync {
	case "", "always":
		return datastore.SyncAlways, nil
	case "none":
		return datastore.SyncNone, nil
	default:
		return 0, fmt.Errorf("log.sync must be always or none, got %q", c.Log.Sync)
	}
}

// RetryPolicies merges the retry section over the built-in policies.
// It also returns the largest concurrency configured for any kind.
func (c *Config) RetryPolicies() (map[types.OperationKind]retry.Policy, int, error) {
	policies := retry.DefaultPolicies()
	concurrency := 0
	for name, rc := range c.Retry {
		kind := types.OperationKind(name)
		p, ok := policies[kind]
		if !ok {
			return nil, 0, fmt.Errorf("retry: unknown operation kind %q", name)
		}
		if rc.MinWait.Duration > 0 {
			p.MinWait = rc.MinWait.Duration
		}
		if rc.MaxWait.Duration > 0 {
			p.MaxWait = rc.MaxWait.Duration
		}
		if rc.MaxAttempts > 0 {
			p.MaxAttempts = rc.MaxAttempts
		}
		if rc.AttemptTimeout.Duration > 0 {
			p.AttemptTimeout = rc.AttemptTimeout.Duration
		}
		if err := p.Validate(); err != nil {
			return nil, 0, fmt.Errorf("retry.%s: %w", name, err)
		}
		policies[kind] = p
		concurrency = max(concurrency, rc.Concurrency)
	}
	return policies, concurrency, nil
}

// ShutdownBudgets converts the per-state budgets keyed by state name.
func (c *Config) ShutdownBudgets() (map[types.DeferState]time.Duration, error) {
	if len(c.Shutdown.States) == 0 {
		return nil, nil
	}
	budgets := make(map[types.DeferState]time.Duration, len(c.Shutdown.States))
	for name, d := range c.Shutdown.States {
		st, err := types.ParseDeferState(name)
		if err != nil {
			return nil, fmt.Errorf("shutdown.states: %w", err)
		}
		budgets[st] = d.Duration
	}
	return budgets, nil
}

// Validate checks values the loader cannot type-check.
func (c *Config) Validate() error {
	if _, err := c.SyncMode(); err != nil {
		return err
	}
	switch c.Sync.Policy {
	case "", "noop", "strict", "streaming":
	default:
		return fmt.Errorf("sync.policy must be noop, strict or streaming, got %q", c.Sync.Policy)
	}
	switch c.Sync.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("sync.backend must be fs or s3, got %q", c.Sync.Backend)
	}
	switch c.Adapter.Type {
	case "", "redis", "webhook":
	default:
		return fmt.Errorf("adapter.type must be redis or webhook, got %q", c.Adapter.Type)
	}
	for class, n := range c.Flow {
		if n < 0 {
			return fmt.Errorf("flow.%s must be >= 0, got %d", class, n)
		}
	}
	if _, _, err := c.RetryPolicies(); err != nil {
		return err
	}
	_, err := c.ShutdownBudgets()
	return err
}
