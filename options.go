package dispatch

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dispatch/pkg/envelope"
	"k8s.io/utils/clock"
)

type config struct {
	pool         PoolConfig
	trCfg        TransportConfig
	endpoints    map[string][]string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.PassiveClock
	router       *envelope.Router
	onUnhealthy  func(Endpoint)
	opener       streamOpener
}

// Option to pass to `Create`
type Option func(*config) error

// WithConfig replaces the whole `PoolConfig`. Options applied after it
// still override single fields.
func WithConfig(cfg PoolConfig) Option {
	return func(c *config) error {
		c.pool = cfg
		return nil
	}
}

// WithStrategy chooses the load-balancing strategy.
func WithStrategy(strategy Strategy) Option {
	return func(c *config) error {
		if !strategy.valid() {
			return fmt.Errorf("unknown strategy %q", strategy)
		}
		c.pool.Strategy = strategy
		return nil
	}
}

// WithHealthCheckInterval controls the period of the health loop started
// by `Pool.Start`.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(c *config) error {
		c.pool.HealthCheckInterval = interval
		return nil
	}
}

// WithMaxRetries sets the total number of attempts of a request.
func WithMaxRetries(attempts int) Option {
	return func(c *config) error {
		c.pool.MaxRetries = attempts
		return nil
	}
}

// WithRequestTimeout bounds a request across all of its attempts.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.pool.RequestTimeout = timeout
		return nil
	}
}

// WithConnectionTimeout controls how much time we are willing to wait for
// an endpoint to accept a stream.
func WithConnectionTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.pool.ConnectionTimeout = timeout
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithMessageTimeout sets the longest silence tolerated between two
// envelopes of one exchange.
func WithMessageTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.pool.MessageTimeout = timeout
		return nil
	}
}

func WithFailureThreshold(threshold int) Option {
	return func(c *config) error {
		c.pool.FailureThreshold = threshold
		return nil
	}
}

// WithUnhealthyCooldown sets how long an unhealthy endpoint is left alone
// before selection may probe it again.
func WithUnhealthyCooldown(cooldown time.Duration) Option {
	return func(c *config) error {
		c.pool.UnhealthyCooldown = cooldown
		return nil
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(c *config) error {
		c.pool.RetryBackoff = backoff
		return nil
	}
}

// WithHealthCheckTimeouts bounds the opening of the dedicated health
// connection and the wait for its reply.
func WithHealthCheckTimeouts(open, receive time.Duration) Option {
	return func(c *config) error {
		c.pool.HealthOpenTimeout = open
		c.pool.HealthReceiveTimeout = receive
		return nil
	}
}

// WithEndpoints registers addresses for a service. It can be used several
// times, addresses accumulate.
func WithEndpoints(service string, addrs ...string) Option {
	return func(c *config) error {
		if service == "" {
			return fmt.Errorf("endpoints need a service name")
		}
		for _, addr := range addrs {
			if _, _, err := splitAddress(addr); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
			}
		}
		c.endpoints[service] = append(c.endpoints[service], addrs...)
		return nil
	}
}

// WithEndpointMap registers many services at once, as returned by
// `EndpointsFromEnv`.
func WithEndpointMap(endpoints map[string][]string) Option {
	return func(c *config) error {
		for service, addrs := range endpoints {
			if err := WithEndpoints(service, addrs...)(c); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Pool.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Pool`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used to dial analyzers.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithClock replaces the clock used for health bookkeeping.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *config) error {
		c.clock = clk
		return nil
	}
}

// WithRouter replaces the analysis type routing table.
func WithRouter(router *envelope.Router) Option {
	return func(c *config) error {
		if router == nil {
			router = envelope.DefaultRouter
		}
		c.router = router
		return nil
	}
}

// WithOnUnhealthy registers a callback fired by the health loop once an
// endpoint reaches `FailureThreshold` consecutive failures.
func WithOnUnhealthy(fn func(Endpoint)) Option {
	return func(c *config) error {
		c.onUnhealthy = fn
		return nil
	}
}

func withStreamOpener(opener streamOpener) Option {
	return func(c *config) error {
		c.opener = opener
		return nil
	}
}
