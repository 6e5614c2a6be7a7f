package dispatch

import (
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Endpoint is one network address of one replica of a logical service,
// together with its health and load statistics.
//
// Values handed out by the `Registry` are snapshots, mutating them has no
// effect on routing.
type Endpoint struct {
	ServiceName string
	Host        string
	Port        int

	IsHealthy           bool
	LastHealthCheck     time.Time
	ConsecutiveFailures int

	ActiveRequests  int
	TotalRequests   int
	TotalFailures   int
	AvgResponseTime time.Duration
	LastRequestTime time.Time
}

// Address returns the `host:port` to dial.
func (ep Endpoint) Address() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

// LoadScore ranks endpoints, lower is better.
//
// It is `active_requests * 10 + avg_response_time / 10` with the average
// expressed in milliseconds.
func (ep Endpoint) LoadScore() float64 {
	avgMs := float64(ep.AvgResponseTime) / float64(time.Millisecond)
	return float64(ep.ActiveRequests)*10 + avgMs/10
}

func (ep Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("service", ep.ServiceName),
		slog.String("host", ep.Host),
		slog.Int("port", ep.Port),
	)
}

// splitAddress parses `host:port`.
func splitAddress(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, &net.AddrError{Err: "invalid port", Addr: addr}
	}
	if host == "" {
		return "", 0, &net.AddrError{Err: "missing host", Addr: addr}
	}
	return host, port, nil
}
