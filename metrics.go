package dispatch

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDispatchAttemptCount   = []string{"dispatch", "attempt", "count"}
	MetricDispatchErrorCount     = []string{"dispatch", "attempt", "error", "count"}
	MetricDispatchSuccessCount   = []string{"dispatch", "success", "count"}
	MetricDispatchExhaustedCount = []string{"dispatch", "exhausted", "count"}
	MetricDispatchProgressCount  = []string{"dispatch", "progress", "count"}
	// MetricDispatchDuration is sampled in milliseconds on every successful
	// round trip.
	MetricDispatchDuration = []string{"dispatch", "duration", "ms"}

	MetricMalformedEnvelopeCount = []string{"protocol", "malformed", "count"}

	MetricHealthCheckCount      = []string{"health", "check", "count"}
	MetricHealthCheckErrorCount = []string{"health", "check", "error", "count"}
	MetricHealthyEndpoints      = []string{"registry", "healthy", "endpoints"}
	MetricResurrectionCount     = []string{"balancer", "resurrection", "count"}
	MetricSelectionCount        = []string{"balancer", "selection", "count"}

	MetricConnEstCount           = []string{"transport", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"transport", "connection", "error", "count"}
	MetricStreamEstOutCount      = []string{"transport", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"transport", "stream", "establishment", "out", "error", "count"}
	MetricStreamEstInCount       = []string{"transport", "stream", "establishment", "in", "count"}

	MetricClientPending      = []string{"client", "pending", "requests"}
	MetricClientResolveCount = []string{"client", "resolve", "count"}
	MetricClientDroppedCount = []string{"client", "dropped", "count"}

	MetricServerRequestCount = []string{"server", "request", "count"}
	MetricServerErrorCount   = []string{"server", "request", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError         TelemetryLabel = "error"
	LabelService       TelemetryLabel = "service"
	LabelEndpoint      TelemetryLabel = "endpoint"
	LabelAttempt       TelemetryLabel = "attempt"
	LabelStrategy      TelemetryLabel = "strategy"
	LabelKind          TelemetryLabel = "kind"
	LabelCorrelationID TelemetryLabel = "correlation_id"
	LabelClientID      TelemetryLabel = "client_id"
	LabelPeerAddr      TelemetryLabel = "peer_addr"
	LabelOutcome       TelemetryLabel = "outcome"
	LabelMode          TelemetryLabel = "mode"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so callers never share backing arrays
// with the static labels.
func withLabels(static []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(labels))
	out = append(out, static...)
	return append(out, labels...)
}
