package limiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/meta"
)

// Extractor returns the identifier value of the given limit-by type for the
// request in ctx, or "" when the request does not carry it.
type Extractor func(ctx context.Context, limitBy string) string

// MetaExtractor reads identities from request metadata (see package meta).
func MetaExtractor(ctx context.Context, limitBy string) string {
	if limitBy == LimitByClientID {
		return meta.ClientID(ctx)
	}
	return meta.String(ctx, limitBy)
}

// RateLimiter matches routes against the configured rules and consults the store
// for every identity a matching rule limits by.
type RateLimiter struct {
	mu           sync.RWMutex
	config       *Config
	store        Store
	extractValue Extractor
}

// NewRateLimiter creates a new RateLimiter. cfg must have passed ValidateAndPrepare.
func NewRateLimiter(cfg *Config, store Store) *RateLimiter {
	return &RateLimiter{
		config:       cfg,
		store:        store,
		extractValue: MetaExtractor,
	}
}

// SetExtractor sets the function to extract identifier values from the context.
func (rl *RateLimiter) SetExtractor(extractor Extractor) {
	rl.mu.Lock()
	rl.extractValue = extractor
	rl.mu.Unlock()
}

// UpdateConfig validates cfg and swaps it in. Existing buckets keep their level.
func (rl *RateLimiter) UpdateConfig(cfg *Config) error {
	if err := cfg.ValidateAndPrepare(); err != nil {
		return err
	}
	rl.mu.Lock()
	rl.config = cfg
	rl.mu.Unlock()
	log.Info().Int("rules", len(cfg.Rules)).Msg("rate limit rules updated")
	return nil
}

// Acquire charges cost against every bucket that applies to the request. It returns
// the first denial, or the tightest allowed decision. Store errors fail closed.
func (rl *RateLimiter) Acquire(ctx context.Context, path string, cost float64) (Decision, error) {
	rl.mu.RLock()
	cfg, extract := rl.config, rl.extractValue
	rl.mu.RUnlock()

	result := Decision{Allowed: true}
	matched := false

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if !rl.pathMatches(path, rule) {
			continue
		}
		matched = true
		log.Debug().Str("path", path).Str("rule_path", rule.Path).Msg("matched rule")

		d, err := rl.applyRuleLimits(ctx, extract, rule, cost)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("rule_path", rule.Path).Msg("rate limit check failed")
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
		result = tighter(result, d)
	}

	if !matched && cfg.Default != nil {
		d, err := rl.applyRuleLimits(ctx, extract, cfg.Default, cost)
		if err != nil {
			return Decision{}, err
		}
		return d, nil
	}
	return result, nil
}

// Reset drops the bucket stored under key.
func (rl *RateLimiter) Reset(ctx context.Context, key Key) error {
	return rl.store.Reset(ctx, key)
}

func (rl *RateLimiter) pathMatches(requestPath string, rule *Rule) bool {
	if rule.IsRegex {
		return rule.compiledRegex != nil && rule.compiledRegex.MatchString(requestPath)
	}
	return rule.Path == requestPath
}

// applyRuleLimits checks limits for all LimitBy types specified in the rule.
// A request that carries none of the rule's identifiers is charged to the
// shared anonymous bucket of the rule's first limit type.
func (rl *RateLimiter) applyRuleLimits(ctx context.Context, extract Extractor, rule *Rule, cost float64) (Decision, error) {
	keys := make([]Key, 0, len(rule.LimitBy))
	for _, limitType := range rule.LimitBy {
		value := extract(ctx, limitType)
		if value == "" {
			log.Debug().Str("rule_path", rule.Path).Str("limit_by", limitType).Msg("identifier value missing, skipping this limit type")
			continue
		}
		keys = append(keys, StoreKey(rule.Path, limitType, value))
	}
	if len(keys) == 0 {
		keys = append(keys, StoreKey(rule.Path, rule.LimitBy[0], AnonymousIdentity))
	}

	result := Decision{Allowed: true}
	for _, key := range keys {
		d, err := rl.store.Take(ctx, key, rule.Limit(), cost)
		if err != nil {
			return Decision{}, fmt.Errorf("store error for key %s: %w", key, err)
		}
		if !d.Allowed {
			log.Debug().Str("key", string(key)).Str("rule_path", rule.Path).Msg("rate limit exceeded for identifier")
			return d, nil
		}
		result = tighter(result, d)
	}
	return result, nil
}

// tighter keeps the allowed decision with the fewest remaining tokens.
func tighter(a, b Decision) Decision {
	if a.Limit == 0 || b.Remaining < a.Remaining {
		return b
	}
	return a
}

// StoreKey builds the bucket key.
// Format: rule:<path>|by:<limit type>|val:<value>
func StoreKey(rulePath, limitType, value string) Key {
	return Key(fmt.Sprintf("rule:%s|by:%s|val:%s", rulePath, limitType, value))
}
