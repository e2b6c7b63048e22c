// Package config handles loading and validating pool configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/lattice-db/connpool/internal/pool"
	"gopkg.in/yaml.v3"
)

// ProxyConfig holds process-wide settings: the metrics and health ports,
// the adjustment tick interval, and the instance identity used to label
// exported metrics.
type ProxyConfig struct {
	InstanceID         string        `yaml:"instance_id"`
	HealthCheckPort    int           `yaml:"health_check_port"`
	MetricsPort        int           `yaml:"metrics_port"`
	AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
}

// PoolConfig holds the capacity constraints and connector settings for the
// single pool this instance runs.
type PoolConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	MinIdleTimeForGC time.Duration `yaml:"min_idle_time_for_gc"`
	SeedDemand       uint32        `yaml:"seed_demand"`
	ConnectorKind    string        `yaml:"connector"`    // "sql" or "sim"
	DSNTemplate      string        `yaml:"dsn_template"` // %s is substituted with the block/database name
}

// KnobOverrides lets an operator override the subset of algorithm weights
// that matter most in production tuning, without having to restate every
// knob in pool.DefaultKnobs. Any field left at zero keeps the default.
type KnobOverrides struct {
	MaxRebalanceOps                int `yaml:"max_rebalance_ops"`
	MaxRebalanceOpsPercentWhenFull int `yaml:"max_rebalance_ops_percent_when_full"`
	MinRebalanceHeadroomToCreate   int `yaml:"min_rebalance_headroom_to_create"`
	MaximumSharedTarget            int `yaml:"maximum_shared_target"`
	SelfHungerBoostForRelease      int `yaml:"self_hunger_boost_for_release"`
}

// Apply overlays the non-zero fields of o onto k.
func (o KnobOverrides) Apply(k *pool.Knobs) {
	if o.MaxRebalanceOps != 0 {
		k.MaxRebalanceOps = o.MaxRebalanceOps
	}
	if o.MaxRebalanceOpsPercentWhenFull != 0 {
		k.MaxRebalanceOpsPercentWhenFull = o.MaxRebalanceOpsPercentWhenFull
	}
	if o.MinRebalanceHeadroomToCreate != 0 {
		k.MinRebalanceHeadroomToCreate = o.MinRebalanceHeadroomToCreate
	}
	if o.MaximumSharedTarget != 0 {
		k.MaximumSharedTarget = o.MaximumSharedTarget
	}
	if o.SelfHungerBoostForRelease != 0 {
		k.SelfHungerBoostForRelease = o.SelfHungerBoostForRelease
	}
}

// RedisConfig configures the optional live knob-tuning broadcast channel.
// Unlike the distributed connection accounting this pool core explicitly
// does not implement, this connection to Redis carries no connection-slot
// state — only operator-issued knob updates.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Config is the root configuration structure.
type Config struct {
	Proxy ProxyConfig   `yaml:"proxy"`
	Pool  PoolConfig    `yaml:"pool"`
	Knobs KnobOverrides `yaml:"knobs"`
	Redis RedisConfig   `yaml:"redis"`
}

// Load reads and parses a single YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if c.Pool.ConnectorKind != "" && c.Pool.ConnectorKind != "sql" && c.Pool.ConnectorKind != "sim" {
		return fmt.Errorf("pool.connector must be \"sql\" or \"sim\", got %q", c.Pool.ConnectorKind)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis.enabled is true")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Proxy.HealthCheckPort == 0 {
		c.Proxy.HealthCheckPort = 8080
	}
	if c.Proxy.MetricsPort == 0 {
		c.Proxy.MetricsPort = 9090
	}
	if c.Proxy.AdjustmentInterval == 0 {
		c.Proxy.AdjustmentInterval = 200 * time.Millisecond
	}
	if c.Proxy.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Proxy.InstanceID = hostname
	}
	if c.Pool.MinIdleTimeForGC == 0 {
		c.Pool.MinIdleTimeForGC = 60 * time.Second
	}
	if c.Pool.ConnectorKind == "" {
		c.Pool.ConnectorKind = "sim"
	}
	if c.Pool.DSNTemplate == "" {
		c.Pool.DSNTemplate = "sqlserver://localhost?database=%s"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "connpool:knobs"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
}

// PoolConfig builds a pool.PoolConfig (capacity constraints + knobs) from
// the loaded configuration.
func (c *Config) PoolConfig() pool.PoolConfig {
	knobs := pool.DefaultKnobs()
	c.Knobs.Apply(knobs)
	return pool.PoolConfig{
		Constraints: pool.Constraints{
			Max:              c.Pool.MaxConnections,
			MinIdleTimeForGC: c.Pool.MinIdleTimeForGC,
		},
		Knobs:              knobs,
		AdjustmentInterval: c.Proxy.AdjustmentInterval,
	}
}
