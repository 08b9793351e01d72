package limiter

import (
	"fmt"
	"math"
	"regexp"

	"github.com/rs/zerolog/log"
)

// Valid LimitBy types
var validLimitBy = map[string]bool{
	LimitByIP:       true,
	LimitByAPIKey:   true,
	LimitByUserID:   true,
	LimitByClientID: true,
}

// Rule defines a single rate limiting rule.
type Rule struct {
	Path     string   `yaml:"path"`     // request route (regex if IsRegex is true)
	IsRegex  bool     `yaml:"is_regex"` // indicates if Path is a regex
	Capacity int64    `yaml:"capacity"` // burst size; defaults to Rate
	Rate     float64  `yaml:"rate"`     // tokens added per Period
	Period   float64  `yaml:"period"`   // refill window in seconds; defaults to 1
	LimitBy  []string `yaml:"limit_by"` // identifiers to limit by ("ip", "api_key", "user_id", "client_id")

	// internal fields
	compiledRegex *regexp.Regexp
	ratePerSecond float64
}

// Limit returns the bucket shape described by the rule. Only valid after ValidateAndPrepare.
func (r *Rule) Limit() Limit {
	return Limit{Capacity: r.Capacity, RatePerSecond: r.ratePerSecond}
}

// Config holds the overall rate limiter configuration.
type Config struct {
	StorageType string `yaml:"storage_type"` // "memory" or "redis"
	Shards      int    `yaml:"shards"`
	IdleAfter   int    `yaml:"idle_after"` // refill periods without traffic before a bucket is dropped
	Default     *Rule  `yaml:"default"`    // applied when no rule matches the route
	Rules       []Rule `yaml:"rules"`
}

// ValidateAndPrepare processes the raw config, validates it, and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	if c.Shards < 0 {
		return fmt.Errorf("invalid shards: %d, must not be negative", c.Shards)
	}
	if c.IdleAfter < 0 {
		return fmt.Errorf("invalid idle_after: %d, must not be negative", c.IdleAfter)
	}

	if len(c.Rules) == 0 && c.Default == nil {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	seenPaths := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i]
		if seenPaths[rule.Path] {
			return fmt.Errorf("duplicate path definition found: %s", rule.Path)
		}
		seenPaths[rule.Path] = true

		if err := rule.prepare(); err != nil {
			return err
		}
	}

	if c.Default != nil {
		if c.Default.Path == "" {
			c.Default.Path = defaultRuleName
		}
		if len(c.Default.LimitBy) == 0 {
			c.Default.LimitBy = []string{LimitByClientID}
		}
		if c.Default.IsRegex {
			return fmt.Errorf("default rule cannot be a regex")
		}
		if err := c.Default.prepare(); err != nil {
			return err
		}
	}
	return nil
}

func (rule *Rule) prepare() error {
	if rule.Path == "" {
		return fmt.Errorf("rule path must not be empty")
	}
	if rule.Rate <= 0 {
		return fmt.Errorf("rule for path '%s' has invalid rate: %f, must be positive", rule.Path, rule.Rate)
	}
	if rule.Period == 0 {
		rule.Period = 1
	}
	if rule.Period < 0 {
		return fmt.Errorf("rule for path '%s' has invalid period: %f, must be positive", rule.Path, rule.Period)
	}
	if rule.Capacity == 0 {
		rule.Capacity = int64(math.Max(1, math.Ceil(rule.Rate)))
	}
	if rule.Capacity <= 0 {
		return fmt.Errorf("rule for path '%s' has invalid capacity: %d, must be positive", rule.Path, rule.Capacity)
	}
	rule.ratePerSecond = rule.Rate / rule.Period

	if rule.IsRegex {
		re, err := regexp.Compile(rule.Path)
		if err != nil {
			return fmt.Errorf("failed to compile regex for path '%s': %w", rule.Path, err)
		}
		rule.compiledRegex = re
	}

	if len(rule.LimitBy) == 0 {
		return fmt.Errorf("rule for path '%s' must have at least one limit_by type", rule.Path)
	}
	for _, lb := range rule.LimitBy {
		if !validLimitBy[lb] {
			return fmt.Errorf("rule for path '%s' has invalid limit_by type: '%s'", rule.Path, lb)
		}
	}
	return nil
}
