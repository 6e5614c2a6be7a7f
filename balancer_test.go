package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const testService = "static-analyzer"

var (
	epA = "10.0.0.1:2001"
	epB = "10.0.0.2:2001"
	epC = "10.0.0.3:2001"
	epD = "10.0.0.4:2001"
)

// recordingProber stores health outcomes the way `HealthChecker` does.
type recordingProber struct {
	reg     *Registry
	healthy func(addr string) bool

	lk      sync.Mutex
	checked []string
}

func (p *recordingProber) Check(ctx context.Context, ep Endpoint) bool {
	p.lk.Lock()
	p.checked = append(p.checked, ep.Address())
	p.lk.Unlock()

	healthy := p.healthy != nil && p.healthy(ep.Address())
	p.reg.recordHealth(ep.ServiceName, ep.Address(), healthy)
	return healthy
}

func (p *recordingProber) calls() []string {
	p.lk.Lock()
	defer p.lk.Unlock()
	return append([]string(nil), p.checked...)
}

func newTestBalancer(t *testing.T, cfg PoolConfig, reg *Registry, addrs ...string) (*LoadBalancer, *recordingProber) {
	t.Helper()
	for _, addr := range addrs {
		_, err := reg.AddAddress(testService, addr)
		require.NoError(t, err)
	}
	prober := &recordingProber{reg: reg}
	lb := newLoadBalancer(cfg, reg, prober, slog.New(testLogHandler("balancer")), &metrics.BlackholeSink{}, nil)
	return lb, prober
}

func TestSelectRoundRobin(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Strategy = StrategyRoundRobin
	lb, _ := newTestBalancer(t, cfg, NewRegistry(nil), epA, epB, epC)

	var picked []string
	for range 6 {
		ep, err := lb.Select(context.Background(), testService)
		require.NoError(t, err)
		picked = append(picked, ep.Address())
	}
	assert.Equal(t, []string{epA, epB, epC, epA, epB, epC}, picked)
}

func TestSelectLeastLoaded(t *testing.T) {
	reg := NewRegistry(nil)
	lb, _ := newTestBalancer(t, DefaultPoolConfig(), reg, epA, epB, epC)

	reg.beginRequest(testService, epA)
	reg.beginRequest(testService, epA)
	reg.beginRequest(testService, epC)

	for range 20 {
		ep, err := lb.Select(context.Background(), testService)
		require.NoError(t, err)
		assert.Equal(t, epB, ep.Address())
	}
}

func TestSelectLeastLoadedTies(t *testing.T) {
	lb, _ := newTestBalancer(t, DefaultPoolConfig(), NewRegistry(nil), epA, epB, epC)

	seen := make(map[string]int)
	for range 300 {
		ep, err := lb.Select(context.Background(), testService)
		require.NoError(t, err)
		seen[ep.Address()]++
	}
	assert.Len(t, seen, 3, "every tied endpoint should eventually be picked")
}

func TestSelectRandomOnlyHealthy(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Strategy = StrategyRandom
	reg := NewRegistry(nil)
	lb, _ := newTestBalancer(t, cfg, reg, epA, epB, epC)
	reg.recordHealth(testService, epB, false)

	for range 100 {
		ep, err := lb.Select(context.Background(), testService)
		require.NoError(t, err)
		assert.NotEqual(t, epB, ep.Address())
	}
}

func TestSelectNoEndpoints(t *testing.T) {
	lb, _ := newTestBalancer(t, DefaultPoolConfig(), NewRegistry(nil))

	_, err := lb.Select(context.Background(), testService)
	require.ErrorIs(t, err, ErrNoEndpointsConfigured)
}

func TestSelectResurrectionCap(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(clk)
	lb, prober := newTestBalancer(t, DefaultPoolConfig(), reg, epA, epB, epC, epD)

	for _, addr := range []string{epA, epB, epC, epD} {
		reg.recordFailure(testService, addr, false)
	}

	_, err := lb.Select(context.Background(), testService)
	require.ErrorIs(t, err, ErrNoHealthyEndpoint)
	assert.ElementsMatch(t, []string{epA, epB}, prober.calls(), "never checked endpoints go first, at most two")

	clk.Step(time.Second)
	_, err = lb.Select(context.Background(), testService)
	require.ErrorIs(t, err, ErrNoHealthyEndpoint)
	assert.ElementsMatch(t, []string{epA, epB, epC, epD}, prober.calls(), "stalest endpoints go first")
}

func TestSelectRespectsCooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakeClock(now.Add(-5 * time.Second))
	reg := NewRegistry(clk)

	cfg := DefaultPoolConfig()
	cfg.UnhealthyCooldown = 10 * time.Second
	lb, prober := newTestBalancer(t, cfg, reg, epA, epB)

	// A failed its last check five seconds ago.
	reg.recordHealth(testService, epA, false)
	clk.SetTime(now)

	ep, err := lb.Select(context.Background(), testService)
	require.NoError(t, err)
	assert.Equal(t, epB, ep.Address())
	assert.Empty(t, prober.calls(), "A is still cooling down")

	prober.healthy = func(string) bool { return true }
	clk.Step(6 * time.Second)

	seen := make(map[string]bool)
	for range 100 {
		ep, err := lb.Select(context.Background(), testService)
		require.NoError(t, err)
		seen[ep.Address()] = true
	}
	assert.Equal(t, []string{epA}, prober.calls(), "A is probed once, then healthy")
	assert.True(t, seen[epA])
	assert.True(t, seen[epB])
}

func TestSelectResurrectionDisabled(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.ResurrectionCap = 0
	reg := NewRegistry(nil)
	lb, prober := newTestBalancer(t, cfg, reg, epA)
	reg.recordFailure(testService, epA, false)

	_, err := lb.Select(context.Background(), testService)
	require.ErrorIs(t, err, ErrNoHealthyEndpoint)
	assert.Empty(t, prober.calls())
}

func TestLastResort(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(clk)
	lb, _ := newTestBalancer(t, DefaultPoolConfig(), reg, epA, epB, epC)

	reg.beginRequest(testService, epA)
	reg.recordFailure(testService, epA, true)
	clk.Step(time.Second)
	reg.beginRequest(testService, epB)
	reg.recordFailure(testService, epB, true)
	for range 2 {
		reg.recordFailure(testService, epC, false)
	}

	ep, err := lb.LastResort(testService)
	require.NoError(t, err)
	assert.Equal(t, epA, ep.Address(), "fewest failures, least recently used")

	_, err = lb.LastResort("unknown")
	require.ErrorIs(t, err, ErrNoEndpointsConfigured)
}
