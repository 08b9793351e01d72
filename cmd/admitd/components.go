package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/toolink/admit/config"
	"github.com/toolink/admit/lifecycle"
	"github.com/toolink/admit/membership"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthService       = "admit"
	healthCheckInterval = 5 * time.Second
)

// components returns the daemon's components in start order.
func (a *app) components(cfgPath string) []lifecycle.Component {
	cs := []lifecycle.Component{
		a.background("invalidation-consumer", a.coord.Run),
		a.scheduler(),
		a.metricsServer(),
		a.healthServer(),
	}
	if a.members != nil {
		cs = append(cs, a.membership())
	}
	if cfgPath != "" {
		cs = append(cs, a.background("config-watcher", func(ctx context.Context) error {
			return config.Watch(ctx, cfgPath, a.reload)
		}))
	}
	return cs
}

// background runs fn in a goroutine between Start and Stop.
func (a *app) background(name string, fn func(ctx context.Context) error) lifecycle.Component {
	var (
		cancel context.CancelFunc
		done   chan error
	)
	return lifecycle.Func(name,
		func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan error, 1)
			go func() {
				err := fn(ctx)
				if err != nil {
					log.Error().Err(err).Str("component", name).Msg("component exited")
				}
				done <- err
			}()
			return nil
		},
		func(ctx context.Context) error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
}

type job struct {
	name  string
	every time.Duration
	run   func()
}

// jobs lists the maintenance work. Jobs may share an interval.
func (a *app) jobs() []job {
	jobs := []job{
		{name: "local-sweep", every: a.cfg.LocalCache.SweepInterval, run: func() {
			if n := a.local.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("expired local cache entries swept")
			}
		}},
		{name: "offset-checkpoint", every: a.cfg.Bus.CheckpointInterval, run: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.coord.Checkpoint(ctx); err != nil {
				log.Warn().Err(err).Msg("offset checkpoint failed")
			}
		}},
	}
	if a.engine != nil {
		jobs = append(jobs, job{name: "idle-bucket-eviction", every: time.Minute, run: func() {
			if n := a.engine.EvictIdle(); n > 0 {
				log.Debug().Int("evicted", n).Msg("idle rate limit buckets evicted")
			}
		}})
	}
	return jobs
}

func schedule(c *cron.Cron, jobs []job) error {
	for _, j := range jobs {
		if _, err := c.AddFunc("@every "+j.every.String(), j.run); err != nil {
			return fmt.Errorf("schedule %s every %s: %w", j.name, j.every, err)
		}
	}
	return nil
}

// scheduler runs the maintenance jobs.
func (a *app) scheduler() lifecycle.Component {
	c := cron.New()
	return lifecycle.Func("scheduler",
		func(context.Context) error {
			if err := schedule(c, a.jobs()); err != nil {
				return err
			}
			c.Start()
			return nil
		},
		func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
}

func (a *app) metricsServer() lifecycle.Component {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return lifecycle.Func("metrics-server",
		func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			return nil
		},
		srv.Shutdown)
}

// healthServer serves the gRPC health protocol. The instance is SERVING while
// the shared store answers pings.
func (a *app) healthServer() lifecycle.Component {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	var (
		stop chan struct{}
		wg   sync.WaitGroup
	)
	check := func() {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckInterval)
		defer cancel()
		h := a.coord.Health(ctx)
		status := healthpb.HealthCheckResponse_SERVING
		if !h.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn().Err(h.StoreErr).Msg("shared store unhealthy")
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(healthService, status)
	}

	return lifecycle.Func("health-server",
		func(context.Context) error {
			ln, err := net.Listen("tcp", a.cfg.Server.HealthAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.Server.HealthAddr, err)
			}
			check()
			stop = make(chan struct{})
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := srv.Serve(ln); err != nil {
					log.Error().Err(err).Msg("health server failed")
				}
			}()
			go func() {
				defer wg.Done()
				ticker := clock.NewTicker(healthCheckInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C():
						check()
					case <-stop:
						return
					}
				}
			}()
			log.Info().Str("addr", ln.Addr().String()).Msg("serving grpc health")
			return nil
		},
		func(context.Context) error {
			hs.Shutdown()
			close(stop)
			srv.GracefulStop()
			wg.Wait()
			return nil
		})
}

func (a *app) membership() lifecycle.Component {
	var deregister func(context.Context) error
	return lifecycle.Func("membership",
		func(ctx context.Context) error {
			var err error
			deregister, err = a.members.Register(ctx, &membership.Instance{
				ID:        a.cfg.InstanceID,
				Address:   a.cfg.Server.AdvertiseAddr,
				StartedAt: clock.Now(),
				Metadata: map[string]string{
					"topic":      a.cfg.Bus.Topic,
					"partitions": strconv.Itoa(a.cfg.Bus.Partitions),
				},
			})
			return err
		},
		func(ctx context.Context) error {
			return deregister(ctx)
		})
}
