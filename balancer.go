package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/hashicorp/go-metrics"
)

type prober interface {
	Check(ctx context.Context, ep Endpoint) bool
}

// LoadBalancer picks the endpoint serving the next request of a service.
type LoadBalancer struct {
	cfg          PoolConfig
	reg          *Registry
	checker      prober
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	lk       sync.Mutex
	counters map[string]uint64
}

func newLoadBalancer(
	cfg PoolConfig,
	reg *Registry,
	checker prober,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
) *LoadBalancer {
	return &LoadBalancer{
		cfg:          cfg,
		reg:          reg,
		checker:      checker,
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
		counters:     make(map[string]uint64),
	}
}

// Select returns the endpoint to use next for `service`.
//
// Stale unhealthy endpoints are probed first, at most `ResurrectionCap`
// of them, concurrently.
func (lb *LoadBalancer) Select(ctx context.Context, service string) (Endpoint, error) {
	all := lb.reg.Endpoints(service)
	if len(all) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoEndpointsConfigured, service)
	}

	healthy := filterHealthy(all)
	if lb.resurrect(ctx, all) > 0 {
		healthy = filterHealthy(lb.reg.Endpoints(service))
	}

	if len(healthy) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoHealthyEndpoint, service)
	}

	ep := lb.pick(service, healthy)
	lb.msink.IncrCounterWithLabels(
		MetricSelectionCount,
		1,
		withLabels(lb.metricLabels, LabelService.M(service), LabelStrategy.M(string(lb.cfg.Strategy))),
	)
	return ep, nil
}

// LastResort returns the unhealthy endpoint most likely to answer: the
// fewest consecutive failures first, then the least recently used.
// Retries fall back to it when `Select` finds nothing healthy.
func (lb *LoadBalancer) LastResort(service string) (Endpoint, error) {
	all := lb.reg.Endpoints(service)
	if len(all) == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNoEndpointsConfigured, service)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ConsecutiveFailures != all[j].ConsecutiveFailures {
			return all[i].ConsecutiveFailures < all[j].ConsecutiveFailures
		}
		return all[i].LastRequestTime.Before(all[j].LastRequestTime)
	})
	return all[0], nil
}

// resurrect checks the stalest unhealthy endpoints and returns how many
// came back.
func (lb *LoadBalancer) resurrect(ctx context.Context, all []Endpoint) int {
	if lb.cfg.ResurrectionCap == 0 || lb.checker == nil {
		return 0
	}

	var stale []Endpoint
	for _, ep := range all {
		if lb.reg.IsStale(ep, lb.cfg.UnhealthyCooldown) {
			stale = append(stale, ep)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	// Never checked sorts first since its zero time is the oldest.
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].LastHealthCheck.Before(stale[j].LastHealthCheck)
	})
	if len(stale) > lb.cfg.ResurrectionCap {
		stale = stale[:lb.cfg.ResurrectionCap]
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		recovered int
	)
	for _, ep := range stale {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lb.checker.Check(ctx, ep) {
				mu.Lock()
				recovered++
				mu.Unlock()
				lb.logger.Info("endpoint resurrected", LabelEndpoint.L(ep))
			}
		}()
	}
	wg.Wait()

	lb.msink.IncrCounterWithLabels(
		MetricResurrectionCount,
		float32(recovered),
		withLabels(lb.metricLabels, LabelService.M(stale[0].ServiceName)),
	)
	return recovered
}

func (lb *LoadBalancer) pick(service string, healthy []Endpoint) Endpoint {
	switch lb.cfg.Strategy {
	case StrategyRoundRobin:
		lb.lk.Lock()
		counter := lb.counters[service]
		lb.counters[service] = counter + 1
		lb.lk.Unlock()
		return healthy[counter%uint64(len(healthy))]

	case StrategyRandom:
		return healthy[rand.IntN(len(healthy))]

	default:
		minScore := math.Inf(1)
		for _, ep := range healthy {
			minScore = math.Min(minScore, ep.LoadScore())
		}

		ties := make([]Endpoint, 0, len(healthy))
		for _, ep := range healthy {
			if ep.LoadScore()-minScore <= lb.cfg.LoadEpsilon {
				ties = append(ties, ep)
			}
		}
		return ties[rand.IntN(len(ties))]
	}
}

func filterHealthy(eps []Endpoint) []Endpoint {
	healthy := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
