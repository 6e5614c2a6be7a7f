package dispatch

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Strategy selects how the load balancer picks among healthy endpoints.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyRandom:
		return true
	default:
		return false
	}
}

// PoolConfig is the immutable configuration of a `Pool`.
type PoolConfig struct {
	// Strategy used to pick among healthy endpoints.
	Strategy Strategy

	// HealthCheckInterval between two rounds of the periodic health loop.
	HealthCheckInterval time.Duration

	// MaxRetries is the total number of dispatch attempts of one request.
	MaxRetries int

	// RequestTimeout bounds a whole request, across every attempt.
	RequestTimeout time.Duration

	// ConnectionTimeout bounds opening a stream to an endpoint.
	ConnectionTimeout time.Duration

	// MessageTimeout is the longest silence tolerated between two envelopes
	// of the same exchange.
	MessageTimeout time.Duration

	// FailureThreshold of consecutive failures above which the periodic
	// health loop reports an endpoint through `WithOnUnhealthy`.
	FailureThreshold int

	// UnhealthyCooldown is how long an unhealthy endpoint waits before it is
	// eligible for an on-demand resurrection check.
	UnhealthyCooldown time.Duration

	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration

	// HealthOpenTimeout and HealthReceiveTimeout bound a health check.
	HealthOpenTimeout    time.Duration
	HealthReceiveTimeout time.Duration

	// ResurrectionCap bounds the number of on-demand checks per selection.
	ResurrectionCap int

	// LoadEpsilon is the width of the least-loaded tie group.
	LoadEpsilon float64
}

// DefaultPoolConfig returns the configuration used by `Create` before any
// option is applied.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Strategy:             StrategyLeastLoaded,
		HealthCheckInterval:  30 * time.Second,
		MaxRetries:           3,
		RequestTimeout:       10 * time.Minute,
		ConnectionTimeout:    10 * time.Second,
		MessageTimeout:       2 * time.Minute,
		FailureThreshold:     3,
		UnhealthyCooldown:    30 * time.Second,
		RetryBackoff:         500 * time.Millisecond,
		HealthOpenTimeout:    5 * time.Second,
		HealthReceiveTimeout: 5 * time.Second,
		ResurrectionCap:      2,
		LoadEpsilon:          0.01,
	}
}

func (c PoolConfig) validate() error {
	var errs []error
	if !c.Strategy.valid() {
		errs = append(errs, fmt.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("MaxRetries must be at least 1"))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("FailureThreshold must be at least 1"))
	}
	if c.ResurrectionCap < 0 {
		errs = append(errs, errors.New("ResurrectionCap cannot be negative"))
	}
	if c.LoadEpsilon < 0 {
		errs = append(errs, errors.New("LoadEpsilon cannot be negative"))
	}
	for name, d := range map[string]time.Duration{
		"HealthCheckInterval":  c.HealthCheckInterval,
		"RequestTimeout":       c.RequestTimeout,
		"ConnectionTimeout":    c.ConnectionTimeout,
		"MessageTimeout":       c.MessageTimeout,
		"HealthOpenTimeout":    c.HealthOpenTimeout,
		"HealthReceiveTimeout": c.HealthReceiveTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.UnhealthyCooldown < 0 || c.RetryBackoff < 0 {
		errs = append(errs, errors.New("UnhealthyCooldown and RetryBackoff cannot be negative"))
	}
	return multierr.Combine(errs...)
}
