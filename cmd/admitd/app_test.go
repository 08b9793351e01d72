package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/admission"
	"github.com/toolink/admit/config"
	"github.com/toolink/admit/lifecycle"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Parse([]byte(`
instance_id: test
shared_cache:
  backend: memory
bus:
  backend: memory
  partitions: 2
datasource:
  driver: memory
limiter:
  storage_type: memory
  rules:
    - path: /limited
      capacity: 1
      rate: 1
      period: 60
      limit_by: [client_id]
`))
	require.NoError(t, err)
	c.Server.MetricsAddr = freeAddr(t)
	c.Server.HealthAddr = freeAddr(t)
	return c
}

func TestAppRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	require.NoError(t, a.ping(ctx))
	assert.Nil(t, a.redis)
	assert.Nil(t, a.members)
	assert.NotNil(t, a.engine)

	written := a.coord.Handle(ctx, admission.Request{Key: "k", Op: admission.OpWrite, Payload: []byte("v")})
	require.Equal(t, admission.StatusOK, written.Status, written.Err)

	got := a.coord.Handle(ctx, admission.Request{Key: "k", Op: admission.OpRead})
	require.Equal(t, admission.StatusOK, got.Status, got.Err)
	assert.Equal(t, []byte("v"), got.Value)
	assert.Equal(t, written.Version, got.Version)

	limited := admission.Request{Key: "k", Op: admission.OpRead, Route: "/limited", Client: "c1"}
	first := a.coord.Handle(ctx, limited)
	assert.Equal(t, admission.StatusOK, first.Status)
	assert.Equal(t, int64(1), first.Limit)
	assert.Equal(t, int64(0), first.Remaining)
	assert.Equal(t, admission.StatusDenied, a.coord.Handle(ctx, limited).Status)
}

func TestReloadReplacesRules(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	limited := admission.Request{Key: "k", Op: admission.OpRead, Route: "/limited", Client: "c1"}
	require.Equal(t, admission.StatusOK, a.coord.Handle(ctx, limited).Status)
	require.Equal(t, admission.StatusDenied, a.coord.Handle(ctx, limited).Status)

	next := memoryConfig(t)
	next.Limiter.Rules[0].Path = "/other"
	next.LogLevel = "info"
	a.reload(next)

	assert.Equal(t, admission.StatusOK, a.coord.Handle(ctx, limited).Status)
}

func TestSchedulerKeepsJobsWithEqualIntervals(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.LocalCache.SweepInterval = time.Minute
	cfg.Bus.CheckpointInterval = time.Minute
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	jobs := a.jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		assert.Equal(t, time.Minute, j.every)
		names = append(names, j.name)
	}
	assert.ElementsMatch(t, []string{"local-sweep", "offset-checkpoint", "idle-bucket-eviction"}, names)

	c := cron.New()
	require.NoError(t, schedule(c, jobs))
	assert.Len(t, c.Entries(), 3)
}

func TestComponentsServeMetricsAndHealth(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	m := lifecycle.New()
	for _, comp := range a.components("") {
		require.NoError(t, m.Register(comp))
	}
	require.NoError(t, m.StartAll(ctx))
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = m.StopAll(context.Background())
		}
	})

	resp := a.coord.Handle(ctx, admission.Request{Key: "k", Op: admission.OpRead})
	require.Equal(t, admission.StatusOK, resp.Status, resp.Err)

	res, err := http.Get("http://" + cfg.Server.MetricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "admit_requests_total")

	conn, err := grpc.NewClient(cfg.Server.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	check, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)

	stopCtx, cancelStop := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStop()
	stopped = true
	require.NoError(t, m.StopAll(stopCtx))
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "") }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestPrintResponse(t *testing.T) {
	var out bytes.Buffer
	err := printResponse(&out, admission.Response{
		Status:     admission.StatusDenied,
		RetryAfter: 2 * time.Second,
		Limit:      5,
		Remaining:  0,
		Err:        admission.ErrRateLimited,
	})
	assert.ErrorIs(t, err, admission.ErrRateLimited)

	var v responseView
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, admission.StatusDenied, v.Status)
	assert.Equal(t, "2s", v.RetryAfter)
	assert.Equal(t, admission.ErrRateLimited.Error(), v.Error)
	assert.Equal(t, int64(5), v.Limit)
	require.NotNil(t, v.Remaining)
	assert.Equal(t, int64(0), *v.Remaining)

	out.Reset()
	require.NoError(t, printResponse(&out, admission.Response{Status: admission.StatusOK, Found: true, Value: []byte("v")}))
	assert.NotContains(t, out.String(), "remaining")
	assert.NotContains(t, out.String(), "limit")
}
