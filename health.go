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
)

var errNotHealthy = errors.New("health: endpoint did not report healthy")

// HealthChecker probes endpoints and stores the outcome in the `Registry`.
type HealthChecker struct {
	cfg          PoolConfig
	reg          *Registry
	opener       streamOpener
	logger       *slog.Logger
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	onUnhealthy  func(Endpoint)

	enc flow.JsonEncoder
	dec flow.JsonDecoder[*envelope.HealthReply]
}

func newHealthChecker(
	cfg PoolConfig,
	reg *Registry,
	opener streamOpener,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	onUnhealthy func(Endpoint),
) *HealthChecker {
	return &HealthChecker{
		cfg:          cfg,
		reg:          reg,
		opener:       opener,
		logger:       logger,
		msink:        msink,
		metricLabels: labels,
		onUnhealthy:  onUnhealthy,
		enc:          flow.NewJsonEncoder(0),
		dec:          flow.NewJsonDecoder[*envelope.HealthReply](0),
	}
}

// Check probes `ep` on a dedicated connection and records the outcome.
// It never fails, any error means unhealthy.
func (h *HealthChecker) Check(ctx context.Context, ep Endpoint) bool {
	addr := ep.Address()
	err := h.probe(ctx, addr)
	healthy := err == nil

	updated, known := h.reg.recordHealth(ep.ServiceName, addr, healthy)
	mLabels := withLabels(h.metricLabels, LabelService.M(ep.ServiceName))
	h.msink.IncrCounterWithLabels(MetricHealthCheckCount, 1.0, mLabels)

	if healthy {
		h.logger.Debug("endpoint is healthy", LabelEndpoint.L(ep))
		return true
	}

	h.msink.IncrCounterWithLabels(MetricHealthCheckErrorCount, 1.0, mLabels)
	h.logger.Warn("health check failed", LabelEndpoint.L(ep), LabelError.L(err))
	if known && h.onUnhealthy != nil && updated.ConsecutiveFailures == h.cfg.FailureThreshold {
		go h.onUnhealthy(updated)
	}
	return false
}

func (h *HealthChecker) probe(ctx context.Context, addr string) error {
	openCtx, cancel := context.WithTimeout(ctx, h.cfg.HealthOpenTimeout)
	defer cancel()

	stream, release, err := h.opener.OpenProbe(openCtx, addr)
	if err != nil {
		return err
	}
	defer release()

	req, err := envelope.New(envelope.KindHealthCheck, nil)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(h.cfg.HealthReceiveTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	stream.SetWriteDeadline(deadline)
	stream.SetReadDeadline(deadline)

	if err := h.enc.Encode(stream, req); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	stream.Close()

	reply, err := h.dec.Decode(stream)
	if err != nil {
		return err
	}
	if reply.Status != envelope.HealthStatusHealthy {
		return fmt.Errorf("%w: status %q", errNotHealthy, reply.Status)
	}
	return nil
}

// CheckAll probes every registered endpoint concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, eps := range h.reg.Snapshot() {
		for _, ep := range eps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Check(ctx, ep)
			}()
		}
	}
	wg.Wait()
}

// run checks every endpoint each `HealthCheckInterval` until `ctx` is done.
func (h *HealthChecker) run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()

	h.logger.Info("health loop started", slog.Duration("interval", h.cfg.HealthCheckInterval))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			h.CheckAll(ctx)
		}
	}
}
