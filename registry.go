package dispatch

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"k8s.io/utils/clock"
)

// Registry owns the endpoints of every logical service.
//
// It is the only place where endpoint statistics are mutated. Readers get
// copies.
type Registry struct {
	lk       sync.RWMutex
	services map[string][]*Endpoint

	clock        clock.PassiveClock
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// NewRegistry creates an empty registry. A nil clock means wall time.
func NewRegistry(clk clock.PassiveClock) *Registry {
	return newRegistry(clk, nil, nil)
}

func newRegistry(clk clock.PassiveClock, msink metrics.MetricSink, labels []metrics.Label) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	return &Registry{
		services:     make(map[string][]*Endpoint),
		clock:        clk,
		msink:        msink,
		metricLabels: labels,
	}
}

// Add registers `host:port` for `service`.
//
// New endpoints start healthy and have never been checked. It returns false
// if the endpoint was already known.
func (r *Registry) Add(service, host string, port int) bool {
	r.lk.Lock()
	defer r.lk.Unlock()

	for _, ep := range r.services[service] {
		if ep.Host == host && ep.Port == port {
			return false
		}
	}

	r.services[service] = append(r.services[service], &Endpoint{
		ServiceName: service,
		Host:        host,
		Port:        port,
		IsHealthy:   true,
	})
	r.reportHealthyLocked(service)
	return true
}

// AddAddress is `Add` for a `host:port` string.
func (r *Registry) AddAddress(service, addr string) (bool, error) {
	host, port, err := splitAddress(addr)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return r.Add(service, host, port), nil
}

// Remove forgets an endpoint. In-flight dispatches towards it complete
// normally, their bookkeeping is ignored.
func (r *Registry) Remove(service, addr string) bool {
	r.lk.Lock()
	defer r.lk.Unlock()

	eps := r.services[service]
	idx := slices.IndexFunc(eps, func(ep *Endpoint) bool {
		return ep.Address() == addr
	})
	if idx < 0 {
		return false
	}

	eps = slices.Delete(eps, idx, idx+1)
	if len(eps) == 0 {
		delete(r.services, service)
	} else {
		r.services[service] = eps
	}
	r.reportHealthyLocked(service)
	return true
}

// Services returns the sorted list of services with at least one endpoint.
func (r *Registry) Services() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoints returns a snapshot of the endpoints of `service`, in
// registration order.
func (r *Registry) Endpoints(service string) []Endpoint {
	r.lk.RLock()
	defer r.lk.RUnlock()

	eps := r.services[service]
	snapshot := make([]Endpoint, len(eps))
	for i, ep := range eps {
		snapshot[i] = *ep
	}
	return snapshot
}

// Lookup returns a snapshot of a single endpoint.
func (r *Registry) Lookup(service, addr string) (Endpoint, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()

	ep := r.findLocked(service, addr)
	if ep == nil {
		return Endpoint{}, false
	}
	return *ep, true
}

// Snapshot copies every endpoint of every service.
func (r *Registry) Snapshot() map[string][]Endpoint {
	r.lk.RLock()
	defer r.lk.RUnlock()

	out := make(map[string][]Endpoint, len(r.services))
	for service, eps := range r.services {
		snapshot := make([]Endpoint, len(eps))
		for i, ep := range eps {
			snapshot[i] = *ep
		}
		out[service] = snapshot
	}
	return out
}

// IsStale reports whether `ep` is unhealthy and was not checked within
// `cooldown`.
func (r *Registry) IsStale(ep Endpoint, cooldown time.Duration) bool {
	if ep.IsHealthy {
		return false
	}
	if ep.LastHealthCheck.IsZero() {
		return true
	}
	return r.clock.Since(ep.LastHealthCheck) >= cooldown
}

func (r *Registry) beginRequest(service, addr string) {
	r.lk.Lock()
	defer r.lk.Unlock()

	ep := r.findLocked(service, addr)
	if ep == nil {
		return
	}
	ep.ActiveRequests++
	ep.TotalRequests++
	ep.LastRequestTime = r.clock.Now()
}

// recordSuccess closes a request which got a terminal answer.
func (r *Registry) recordSuccess(service, addr string, took time.Duration) {
	r.lk.Lock()
	defer r.lk.Unlock()

	ep := r.findLocked(service, addr)
	if ep == nil {
		return
	}
	r.releaseLocked(ep)
	if ep.AvgResponseTime == 0 {
		ep.AvgResponseTime = took
	} else {
		ep.AvgResponseTime = time.Duration(float64(ep.AvgResponseTime)*0.8 + float64(took)*0.2)
	}
	ep.ConsecutiveFailures = 0
	ep.IsHealthy = true
	r.reportHealthyLocked(service)
}

// recordFailure marks the endpoint unhealthy right away.
// `started` tells whether `beginRequest` was called for this attempt.
func (r *Registry) recordFailure(service, addr string, started bool) {
	r.lk.Lock()
	defer r.lk.Unlock()

	ep := r.findLocked(service, addr)
	if ep == nil {
		return
	}
	if started {
		r.releaseLocked(ep)
	}
	ep.TotalFailures++
	ep.ConsecutiveFailures++
	ep.IsHealthy = false
	r.reportHealthyLocked(service)
}

// releaseRequest gives back the slot of a request the caller abandoned.
func (r *Registry) releaseRequest(service, addr string) {
	r.lk.Lock()
	defer r.lk.Unlock()

	if ep := r.findLocked(service, addr); ep != nil {
		r.releaseLocked(ep)
	}
}

// recordHealth stores the outcome of a health check and returns the
// updated snapshot.
func (r *Registry) recordHealth(service, addr string, healthy bool) (Endpoint, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()

	ep := r.findLocked(service, addr)
	if ep == nil {
		return Endpoint{}, false
	}
	ep.LastHealthCheck = r.clock.Now()
	if healthy {
		ep.ConsecutiveFailures = 0
		ep.IsHealthy = true
	} else {
		ep.ConsecutiveFailures++
		ep.IsHealthy = false
	}
	r.reportHealthyLocked(service)
	return *ep, true
}

// not thread safe!
// must be called by an holder of the lock
func (r *Registry) findLocked(service, addr string) *Endpoint {
	for _, ep := range r.services[service] {
		if ep.Address() == addr {
			return ep
		}
	}
	return nil
}

func (r *Registry) releaseLocked(ep *Endpoint) {
	if ep.ActiveRequests > 0 {
		ep.ActiveRequests--
	}
}

func (r *Registry) reportHealthyLocked(service string) {
	healthy := 0
	for _, ep := range r.services[service] {
		if ep.IsHealthy {
			healthy++
		}
	}
	r.msink.SetGaugeWithLabels(
		MetricHealthyEndpoints,
		float32(healthy),
		withLabels(r.metricLabels, LabelService.M(service)),
	)
}
