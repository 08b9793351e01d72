// Package config loads the admitd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/setter"
	"github.com/toolink/admit/admission"
	"github.com/toolink/admit/limiter"
	"github.com/toolink/admit/localcache"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	DriverSQLite  = "sqlite"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config is the whole configuration file.
type Config struct {
	InstanceID  string           `yaml:"instance_id"`
	LogLevel    string           `yaml:"log_level"`
	Redis       Redis            `yaml:"redis"`
	Limiter     limiter.Config   `yaml:"limiter"`
	LocalCache  LocalCache       `yaml:"local_cache"`
	SharedCache SharedCache      `yaml:"shared_cache"`
	Bus         Bus              `yaml:"bus"`
	Admission   admission.Config `yaml:"admission"`
	DataSource  DataSource       `yaml:"datasource"`
	DeadLetter  DeadLetter       `yaml:"deadletter"`
	Server      Server           `yaml:"server"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type LocalCache struct {
	MaxEntries    int                  `yaml:"max_entries"`
	DefaultTTL    time.Duration        `yaml:"default_ttl"`
	SweepInterval time.Duration        `yaml:"sweep_interval"`
	Profiles      []localcache.Profile `yaml:"profiles"`
}

type SharedCache struct {
	Backend          string        `yaml:"backend"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	VersionRetention time.Duration `yaml:"version_retention"`
}

type Bus struct {
	Backend    string        `yaml:"backend"`
	Topic      string        `yaml:"topic"`
	Partitions int           `yaml:"partitions"`
	MaxLen     int64         `yaml:"max_len"`
	Block      time.Duration `yaml:"block"`
	// CheckpointInterval is how often consumed offsets are saved.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

type DataSource struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type DeadLetter struct {
	MaxLen int64 `yaml:"max_len"`
}

type Server struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	// AdvertiseAddr is the health address other hosts reach this instance at.
	// Defaults to HealthAddr.
	AdvertiseAddr string        `yaml:"advertise_addr"`
	MembershipTTL time.Duration `yaml:"membership_ttl"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	setter.SetDefault(&c.InstanceID, uuid.NewString())
	setter.SetDefault(&c.LogLevel, "info")

	setter.SetDefault(&c.Redis.Addr, "localhost:6379")
	setter.SetDefault(&c.Redis.KeyPrefix, "admit")

	setter.SetDefault(&c.LocalCache.MaxEntries, 10000)
	setter.SetDefault(&c.LocalCache.DefaultTTL, 10*time.Minute)
	setter.SetDefault(&c.LocalCache.SweepInterval, 30*time.Second)

	setter.SetDefault(&c.SharedCache.Backend, BackendRedis)
	setter.SetDefault(&c.SharedCache.DefaultTTL, 10*time.Minute)
	setter.SetDefault(&c.SharedCache.VersionRetention, 24*time.Hour)

	setter.SetDefault(&c.Bus.Backend, BackendRedis)
	setter.SetDefault(&c.Bus.Topic, "invalidation")
	setter.SetDefault(&c.Bus.Partitions, 8)
	setter.SetDefault(&c.Bus.MaxLen, int64(100000))
	setter.SetDefault(&c.Bus.Block, 2*time.Second)
	setter.SetDefault(&c.Bus.CheckpointInterval, 10*time.Second)

	setter.SetDefault(&c.DataSource.Driver, DriverSQLite)
	setter.SetDefault(&c.DataSource.Path, "admit.db")
	setter.SetDefault(&c.DataSource.BusyTimeout, 5*time.Second)

	setter.SetDefault(&c.DeadLetter.MaxLen, int64(10000))

	setter.SetDefault(&c.Server.MetricsAddr, ":9090")
	setter.SetDefault(&c.Server.HealthAddr, ":9091")
	setter.SetDefault(&c.Server.AdvertiseAddr, c.Server.HealthAddr)
	setter.SetDefault(&c.Server.MembershipTTL, 30*time.Second)

	setter.SetDefault(&c.Admission.SharedTTL, c.SharedCache.DefaultTTL)
	setter.SetDefault(&c.Admission.InstanceID, c.InstanceID)
}

// Validate checks the configuration and prepares the rate limit rules.
func (c *Config) Validate() error {
	if err := c.Limiter.ValidateAndPrepare(); err != nil {
		return fmt.Errorf("%w: limiter: %w", ErrInvalid, err)
	}
	if !oneOf(c.SharedCache.Backend, BackendRedis, BackendMemory) {
		return fmt.Errorf("%w: shared_cache.backend %q", ErrInvalid, c.SharedCache.Backend)
	}
	if !oneOf(c.Bus.Backend, BackendRedis, BackendMemory) {
		return fmt.Errorf("%w: bus.backend %q", ErrInvalid, c.Bus.Backend)
	}
	if !oneOf(c.DataSource.Driver, DriverSQLite, BackendMemory) {
		return fmt.Errorf("%w: datasource.driver %q", ErrInvalid, c.DataSource.Driver)
	}
	if c.Bus.Partitions <= 0 {
		return fmt.Errorf("%w: bus.partitions must be positive, got %d", ErrInvalid, c.Bus.Partitions)
	}
	if c.LocalCache.MaxEntries <= 0 {
		return fmt.Errorf("%w: local_cache.max_entries must be positive, got %d", ErrInvalid, c.LocalCache.MaxEntries)
	}
	if c.Admission.MaxRetries < 0 {
		return fmt.Errorf("%w: admission.max_retries must not be negative", ErrInvalid)
	}
	for _, p := range c.LocalCache.Profiles {
		if p.TTL <= 0 {
			return fmt.Errorf("%w: local_cache profile %q needs a positive ttl", ErrInvalid, p.Name)
		}
	}
	return nil
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return c.SharedCache.Backend == BackendRedis ||
		c.Bus.Backend == BackendRedis ||
		c.Limiter.StorageType == limiter.StorageRedis
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
