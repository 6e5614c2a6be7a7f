package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dispatch/pkg/envelope"
	"github.com/raskyld/dispatch/pkg/flow"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

// ProgressFunc receives the non-terminal envelopes of a request, in arrival
// order.
type ProgressFunc func(*envelope.Envelope)

// Request describes one analysis to dispatch.
type Request struct {
	// Kind defaults to `analysis_request`.
	Kind envelope.Kind
	// Service forces the target service, otherwise it is routed from
	// `analysis_type`.
	Service  string
	Data     any
	ClientID string
	// OnProgress is optional.
	OnProgress ProgressFunc
}

// Result of a successful dispatch.
type Result struct {
	Envelope *envelope.Envelope
	Endpoint Endpoint
	Attempts int
	Duration time.Duration
}

// Pool routes requests to analyzer replicas, tracks their health and retries
// failed attempts on other replicas.
//
// A Pool is created once with `Create`, started with `Start`, shared by
// reference and stopped with `Shutdown`.
type Pool struct {
	cfg          PoolConfig
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	reg    *Registry
	health *HealthChecker
	lb     *LoadBalancer
	router *envelope.Router
	opener streamOpener
	tr     *Transport

	enc flow.JsonEncoder
	dec flow.JsonDecoder[*envelope.Envelope]

	lk         sync.Mutex
	started    bool
	closed     bool
	shutdownCh chan struct{}
	stopHealth context.CancelFunc
	wg         sync.WaitGroup
}

// Create a `Pool`.
//
// When no endpoint is configured, `DefaultEndpoints` are registered.
func Create(opts ...Option) (*Pool, error) {
	c := &config{
		pool:      DefaultPoolConfig(),
		endpoints: make(map[string][]string),
		router:    envelope.DefaultRouter,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if err := c.pool.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	p := &Pool{
		cfg:          c.pool,
		metricLabels: c.metricLabels,
		router:       c.router,
		opener:       c.opener,
		enc:          flow.NewJsonEncoder(0),
		dec:          flow.NewJsonDecoder[*envelope.Envelope](0),
		shutdownCh:   make(chan struct{}),
	}

	if c.logHandler == nil {
		p.logger = slog.Default()
	} else {
		p.logger = slog.New(c.logHandler)
	}

	if c.msink == nil {
		p.msink = metrics.Default()
	} else {
		p.msink = c.msink
	}

	if p.opener == nil {
		c.trCfg.MetricSink = p.msink
		if c.trCfg.DialTimeout == 0 {
			c.trCfg.DialTimeout = c.pool.ConnectionTimeout
		}
		tr, err := NewTransport(&c.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		p.tr = tr
		p.opener = tr
	}

	var clk clock.PassiveClock = clock.RealClock{}
	if c.clock != nil {
		clk = c.clock
	}
	p.reg = newRegistry(clk, p.msink, p.metricLabels)

	endpoints := c.endpoints
	if len(endpoints) == 0 {
		p.logger.Info("no endpoint configured, using defaults")
		endpoints = defaultEndpoints()
	}
	for service, addrs := range endpoints {
		for _, addr := range addrs {
			if _, err := p.reg.AddAddress(service, addr); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
			}
		}
	}

	p.health = newHealthChecker(p.cfg, p.reg, p.opener, p.logger, p.msink, p.metricLabels, c.onUnhealthy)
	p.lb = newLoadBalancer(p.cfg, p.reg, p.health, p.logger, p.msink, p.metricLabels)
	return p, nil
}

// Start runs the periodic health loop in the background.
func (p *Pool) Start() error {
	p.lk.Lock()
	defer p.lk.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.stopHealth = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.health.run(ctx)
	}()
	return nil
}

// Config returns a copy of the configuration.
func (p *Pool) Config() PoolConfig {
	return p.cfg
}

// Registry exposes the endpoints owned by the pool, e.g. for discovery.
func (p *Pool) Registry() *Registry {
	return p.reg
}

// Stats returns a snapshot of every endpoint.
func (p *Pool) Stats() map[string][]Endpoint {
	return p.reg.Snapshot()
}

// Select asks the load balancer for the next endpoint of `service`.
func (p *Pool) Select(ctx context.Context, service string) (Endpoint, error) {
	return p.lb.Select(ctx, service)
}

// CheckHealth probes an endpoint right away.
func (p *Pool) CheckHealth(ctx context.Context, ep Endpoint) bool {
	return p.health.Check(ctx, ep)
}

// Dispatch builds the request envelope and dispatches it.
func (p *Pool) Dispatch(ctx context.Context, req Request) (*Result, error) {
	kind := req.Kind
	if kind == "" {
		kind = envelope.KindAnalysisRequest
	}

	opts := []envelope.Option{envelope.WithService(req.Service)}
	if req.ClientID != "" {
		opts = append(opts, envelope.WithClientID(req.ClientID))
	}

	env, err := envelope.New(kind, req.Data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return p.DispatchEnvelope(ctx, env, req.OnProgress)
}

// DispatchEnvelope sends `env` to the service it routes to and waits for
// the terminal answer.
//
// The returned error is one of the `ErrNo*Endpoint*` sentinels,
// `ErrRequestTimeout`, `ErrRequestCancelled`, a `*RemoteError` or an
// `*ExhaustedError`.
func (p *Pool) DispatchEnvelope(ctx context.Context, env *envelope.Envelope, onProgress ProgressFunc) (*Result, error) {
	if err := envelope.Validate(env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	p.lk.Lock()
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.lk.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	defer p.wg.Done()

	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}
	service := p.router.ServiceFor(env)

	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.shutdownCh:
			cancelCause(ErrPoolClosed)
		case <-ctx.Done():
		}
	}()

	logger := p.logger.With(LabelService.L(service), LabelCorrelationID.L(env.CorrelationID))
	mLabels := withLabels(p.metricLabels, LabelService.M(service))
	start := time.Now()

	var errs error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		ep, err := p.lb.Select(ctx, service)
		if err != nil && attempt > 1 && errors.Is(err, ErrNoHealthyEndpoint) {
			// Endpoints probed earlier in this request are cooling down,
			// retry the least damaged one rather than burning the attempt.
			ep, err = p.lb.LastResort(service)
			if err == nil {
				logger.Debug("no healthy endpoint left, retrying anyway", LabelEndpoint.L(ep))
			}
		}
		if err != nil {
			p.countError(mLabels, err)
			logger.Warn("no endpoint to dispatch to", LabelAttempt.L(attempt), LabelError.L(err))
			if errs != nil {
				return nil, &ExhaustedError{Service: service, Attempts: attempt - 1, Err: multierr.Append(errs, err)}
			}
			return nil, err
		}

		p.msink.IncrCounterWithLabels(MetricDispatchAttemptCount, 1.0, mLabels)
		res, err := p.attempt(ctx, ep, env, onProgress, mLabels)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			p.msink.IncrCounterWithLabels(MetricDispatchSuccessCount, 1.0, mLabels)
			p.msink.AddSampleWithLabels(MetricDispatchDuration, float32(res.Duration.Milliseconds()), mLabels)
			return res, nil
		}

		p.countError(mLabels, err)
		var remoteErr *RemoteError
		if errors.As(err, &remoteErr) || errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrRequestCancelled) {
			return nil, err
		}

		logger.Warn("dispatch attempt failed", LabelAttempt.L(attempt), LabelError.L(err))
		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))

		if attempt < p.cfg.MaxRetries {
			if err := p.backoff(ctx, attempt); err != nil {
				p.countError(mLabels, err)
				return nil, err
			}
		}
	}

	p.msink.IncrCounterWithLabels(MetricDispatchExhaustedCount, 1.0, mLabels)
	return nil, &ExhaustedError{
		Service:  service,
		Attempts: p.cfg.MaxRetries,
		Err:      errs,
	}
}

// attempt runs one exchange with `ep`.
func (p *Pool) attempt(
	ctx context.Context,
	ep Endpoint,
	env *envelope.Envelope,
	onProgress ProgressFunc,
	mLabels []metrics.Label,
) (*Result, error) {
	addr := ep.Address()
	logger := p.logger.With(LabelEndpoint.L(ep), LabelCorrelationID.L(env.CorrelationID))

	connCtx, cancelConn := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	stream, err := p.opener.OpenStream(connCtx, addr)
	cancelConn()
	if err != nil {
		if cerr := contextOutcome(ctx); cerr != nil {
			if errors.Is(cerr, ErrRequestTimeout) {
				p.reg.recordFailure(ep.ServiceName, addr, false)
			}
			return nil, cerr
		}
		p.reg.recordFailure(ep.ServiceName, addr, false)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailure, addr, err)
	}

	// Reading does not observe the context, resetting the stream unblocks it.
	stopWatch := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})
	defer stopWatch()

	p.reg.beginRequest(ep.ServiceName, addr)
	start := time.Now()

	resp, err := p.exchange(ctx, stream, env, onProgress, logger, mLabels)
	if err != nil {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
		if errors.Is(err, ErrRequestCancelled) {
			p.reg.releaseRequest(ep.ServiceName, addr)
		} else {
			p.reg.recordFailure(ep.ServiceName, addr, true)
		}
		return nil, err
	}

	stream.CancelRead(QErrStreamCancelled)
	took := time.Since(start)
	p.reg.recordSuccess(ep.ServiceName, addr, took)

	if resp.Type == envelope.KindError {
		logger.Info("remote reported an error", LabelError.L(envelope.ErrorMessage(resp)))
		return nil, &RemoteError{Envelope: resp}
	}

	logger.Debug("request resolved", LabelKind.L(resp.Type), slog.Duration("took", took))
	updated, _ := p.reg.Lookup(ep.ServiceName, addr)
	return &Result{
		Envelope: resp,
		Endpoint: updated,
	}, nil
}

// exchange sends the request and reads envelopes until a terminal one.
func (p *Pool) exchange(
	ctx context.Context,
	stream Stream,
	env *envelope.Envelope,
	onProgress ProgressFunc,
	logger *slog.Logger,
	mLabels []metrics.Label,
) (*envelope.Envelope, error) {
	overall, _ := ctx.Deadline()

	stream.SetWriteDeadline(earliest(overall, time.Now().Add(p.cfg.ConnectionTimeout)))
	if err := p.enc.Encode(stream, env); err != nil {
		if cerr := contextOutcome(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrConnectionFailure, ErrStreamWrite, err)
	}
	// One request per stream, FIN tells the analyzer nothing else follows.
	stream.Close()

	for {
		msgDeadline := time.Now().Add(p.cfg.MessageTimeout)
		readDeadline := earliest(overall, msgDeadline)
		stream.SetReadDeadline(readDeadline)

		resp, err := p.dec.Decode(stream)
		if err != nil {
			if errors.Is(err, flow.ErrMalformedFrame) {
				p.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, mLabels)
				logger.Warn("dropping malformed envelope", LabelError.L(err))
				continue
			}
			if cerr := contextOutcome(ctx); cerr != nil {
				return nil, cerr
			}
			if isTimeout(err) && !time.Now().Before(readDeadline) {
				if readDeadline.Equal(overall) {
					return nil, ErrRequestTimeout
				}
				return nil, fmt.Errorf("%w (%s)", ErrStalledConnection, p.cfg.MessageTimeout)
			}
			return nil, classifyClose(err)
		}

		if err := envelope.CheckStructure(resp); err != nil {
			p.msink.IncrCounterWithLabels(MetricMalformedEnvelopeCount, 1.0, mLabels)
			logger.Warn("dropping malformed envelope", LabelError.L(err))
			continue
		}
		if resp.CorrelationID != "" && resp.CorrelationID != env.CorrelationID {
			logger.Warn("dropping envelope correlated with another request",
				slog.String("got", resp.CorrelationID))
			continue
		}

		if envelope.Resolves(env.Type, resp) {
			return resp, nil
		}

		p.msink.IncrCounterWithLabels(MetricDispatchProgressCount, 1.0, mLabels)
		logger.Debug("progress received", LabelKind.L(resp.Type))
		if onProgress != nil {
			onProgress(resp)
		}
	}
}

func (p *Pool) backoff(ctx context.Context, attempt int) error {
	if p.cfg.RetryBackoff == 0 {
		return contextOutcome(ctx)
	}

	timer := time.NewTimer(p.cfg.RetryBackoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return contextOutcome(ctx)
	}
}

func (p *Pool) countError(mLabels []metrics.Label, err error) {
	p.msink.IncrCounterWithLabels(
		MetricDispatchErrorCount,
		1.0,
		withLabels(mLabels, LabelError.M(errorClass(err))),
	)
}

// Shutdown stops the health loop, aborts in-flight dispatches and closes
// cached connections.
func (p *Pool) Shutdown() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	close(p.shutdownCh)
	if p.stopHealth != nil {
		p.stopHealth()
	}
	p.lk.Unlock()

	p.wg.Wait()
	p.logger.Info("pool shut down")

	if p.tr != nil {
		return p.tr.Shutdown()
	}
	return nil
}

// contextOutcome maps a done context into the dispatch taxonomy, nil when
// the context is still live.
func contextOutcome(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrRequestTimeout
	default:
		return fmt.Errorf("%w: %w", ErrRequestCancelled, context.Cause(ctx))
	}
}

func earliest(deadline, other time.Time) time.Time {
	if deadline.IsZero() || other.Before(deadline) {
		return other
	}
	return deadline
}
