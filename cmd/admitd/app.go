package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/admission"
	"github.com/toolink/admit/bus"
	"github.com/toolink/admit/config"
	"github.com/toolink/admit/datasource"
	"github.com/toolink/admit/deadletter"
	"github.com/toolink/admit/limiter"
	"github.com/toolink/admit/localcache"
	"github.com/toolink/admit/membership"
	"github.com/toolink/admit/metrics"
	"github.com/toolink/admit/redlock"
	"github.com/toolink/admit/sharedcache"
)

// app holds the collaborators of one instance, built from the configuration.
type app struct {
	cfg *config.Config

	redis    *redis.Client   // nil when no component uses Redis
	engine   *limiter.Engine // nil with the Redis limiter store
	limiter  *limiter.RateLimiter
	local    *localcache.Cache
	store    sharedcache.Store
	bus      bus.Bus
	source   datasource.Source
	dlq      deadletter.Queue
	members  membership.Registry // nil without Redis
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	coord    *admission.Coordinator

	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)
	prefix := cfg.Redis.KeyPrefix

	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
		a.members = membership.NewRegistry(a.redis, membership.WithPrefix(prefix), membership.WithTTL(cfg.Server.MembershipTTL))
		a.closers = append(a.closers, a.members.Close)
	}

	var limitStore limiter.Store
	if cfg.Limiter.StorageType == limiter.StorageRedis {
		limitStore = limiter.NewRedisStore(a.redis, prefix, cfg.Limiter.IdleAfter)
	} else {
		a.engine = limiter.NewEngine(limiter.WithShards(cfg.Limiter.Shards), limiter.WithIdleAfter(cfg.Limiter.IdleAfter))
		limitStore = a.engine
	}
	a.limiter = limiter.NewRateLimiter(&cfg.Limiter, limitStore)

	a.local = localcache.New(localcache.Config{
		MaxEntries: cfg.LocalCache.MaxEntries,
		DefaultTTL: cfg.LocalCache.DefaultTTL,
		Profiles:   cfg.LocalCache.Profiles,
		Metrics:    a.metrics,
	})

	storeOpts := []sharedcache.Option{
		sharedcache.WithPrefix(prefix),
		sharedcache.WithRetention(cfg.SharedCache.VersionRetention),
	}
	var locker redlock.Locker
	if cfg.SharedCache.Backend == config.BackendRedis {
		a.store = sharedcache.NewRedisStore(a.redis, storeOpts...)
		locker = redlock.NewRedisLocker(a.redis, prefix)
	} else {
		a.store = sharedcache.NewMemoryStore(storeOpts...)
		locker = redlock.NewLocalLocker()
	}

	busOpts := []bus.Option{
		bus.WithPrefix(prefix),
		bus.WithTopic(cfg.Bus.Topic),
		bus.WithPartitions(cfg.Bus.Partitions),
		bus.WithMaxLen(cfg.Bus.MaxLen),
		bus.WithBlock(cfg.Bus.Block),
	}
	var offsets bus.OffsetStore
	if cfg.Bus.Backend == config.BackendRedis {
		busOpts = append(busOpts, bus.WithRedisClient(a.redis))
		offsets = bus.NewRedisOffsetStore(a.redis, busOpts...)
		a.dlq = deadletter.NewRedisQueue(a.redis, prefix+":deadletter:"+cfg.Bus.Topic, cfg.DeadLetter.MaxLen)
	} else {
		offsets = bus.NewMemoryOffsetStore()
		a.dlq = deadletter.NewMemoryQueue(int(cfg.DeadLetter.MaxLen))
	}
	a.bus = bus.New(busOpts...)
	// closed first, so consumers stop before their connection does
	a.closers = append([]func() error{a.bus.Close}, a.closers...)

	if cfg.DataSource.Driver == config.DriverSQLite {
		src, err := datasource.NewSQLite(datasource.SQLiteConfig{
			Path:        cfg.DataSource.Path,
			BusyTimeout: cfg.DataSource.BusyTimeout,
		})
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		a.source = src
		a.closers = append(a.closers, src.Close)
	} else {
		a.source = datasource.NewMemory()
	}

	a.coord = admission.New(cfg.Admission, a.limiter, a.local, a.store, a.bus, a.source,
		admission.WithLocker(locker),
		admission.WithDeadLetter(a.dlq),
		admission.WithOffsetStore(offsets),
		admission.WithMetrics(a.metrics),
	)

	log.Info().
		Str("instance", cfg.InstanceID).
		Str("limiter", cfg.Limiter.StorageType).
		Str("shared_cache", cfg.SharedCache.Backend).
		Str("bus", cfg.Bus.Backend).
		Str("datasource", cfg.DataSource.Driver).
		Msg("instance assembled")
	return a, nil
}

// ping fails fast when Redis is configured but unreachable.
func (a *app) ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	return nil
}

// reload applies the parts of a changed configuration that can change at runtime.
func (a *app) reload(next *config.Config) {
	if err := a.limiter.UpdateConfig(&next.Limiter); err != nil {
		log.Error().Err(err).Msg("rejected rate limit rules")
	}
	if err := setupLogging(next.LogLevel, consoleLog); err != nil {
		log.Error().Err(err).Msg("rejected log level")
	}
}

// Close releases every connection the app opened.
func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
