package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
)

// ProtocolALPN is negotiated by every connection of the dispatch protocol.
const ProtocolALPN = "analysis-dispatch/1"

// Stream is the part of a QUIC stream used by one exchange.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// streamOpener opens exchanges towards endpoints.
type streamOpener interface {
	// OpenStream opens a new stream on a cached connection to `addr`.
	OpenStream(ctx context.Context, addr string) (Stream, error)
	// OpenProbe opens a stream on a dedicated connection which is torn down
	// by `release`.
	OpenProbe(ctx context.Context, addr string) (stream Stream, release func(), err error)
}

// TransportConfig represents configuration for the dispatch transport.
type TransportConfig struct {
	// TlsConfig used to dial endpoints, `NextProtos` is forced to
	// `ProtocolALPN`.
	TlsConfig *tls.Config

	// DialTimeout controls how much time we wait for connection
	// establishment when the caller context has no deadline.
	DialTimeout time.Duration

	// MaxIdleTimeout of cached connections.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod keeps cached connections open between requests.
	KeepAlivePeriod time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport dials analyzers over QUIC and caches one connection per
// address. Each exchange gets its own stream.
type Transport struct {
	cfg     *TransportConfig
	tlsConf *tls.Config
	quicCfg *quic.Config
	logger  *slog.Logger
	msink   metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	hostsCxs  map[string][]quic.Connection
	hostsLock sync.RWMutex
}

func NewTransport(cfg *TransportConfig) (*Transport, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t := &Transport{
		cfg:      cfg,
		tlsConf:  withALPN(cfg.TlsConfig),
		hostsCxs: make(map[string][]quic.Connection),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = idle / 3
	}
	t.quicCfg = &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout: cfg.DialTimeout,
		MaxIdleTimeout:       idle,
		KeepAlivePeriod:      keepAlive,
	}
	return t, nil
}

// OpenStream implements `streamOpener`.
//
// When the cached connection turns out to be dead, it is dropped and a
// fresh one is dialed once.
func (t *Transport) OpenStream(ctx context.Context, addr string) (Stream, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr))
	cx, cached, err := t.getActiveCx(ctx, addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil && cached && ctx.Err() == nil {
		t.logger.Debug("cached connection unusable, redialing", LabelPeerAddr.L(addr), LabelError.L(err))
		t.forget(addr, cx)
		cx, err = t.dial(ctx, addr)
		if err == nil {
			stream, err = cx.OpenStreamSync(ctx)
		}
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamEstOutErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("cannot_open_stream")),
		)
		return nil, err
	}

	t.msink.IncrCounterWithLabels(MetricStreamEstOutCount, 1.0, mLabels)
	return stream, nil
}

// OpenProbe implements `streamOpener`.
func (t *Transport) OpenProbe(ctx context.Context, addr string) (Stream, func(), error) {
	if t.gracefulTerm.Load() {
		return nil, nil, ErrShutdown
	}

	cx, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(cx, "could not open probe stream")
		return nil, nil, err
	}

	release := func() {
		cx.CloseWithError(CodeNormal, "probe done")
	}
	return stream, release, nil
}

// Dial opens a connection which is not cached. The caller owns it.
func (t *Transport) Dial(ctx context.Context, addr string) (quic.Connection, error) {
	if _, _, err := splitAddress(addr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := t.dialContext(ctx)
	defer cancel()

	cx, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicCfg)
	if t.gracefulTerm.Load() {
		if cx != nil {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr)),
		)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(addr)),
	)
	return cx, nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.hostsLock.Lock()
	defer t.hostsLock.Unlock()

	var errs error
	for addr, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			errs = multierr.Append(errs, QErrShutdown.Close(cx, "we are shutting down! bye!"))
		}
		delete(t.hostsCxs, addr)
	}
	return errs
}

func (t *Transport) getActiveCx(ctx context.Context, addr string) (quic.Connection, bool, error) {
	t.hostsLock.RLock()
	cx, hasCx := t.firstActiveCx(addr)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, true, nil
	}

	cx, err := t.dial(ctx, addr)
	return cx, false, err
}

func (t *Transport) dial(ctx context.Context, addr string) (quic.Connection, error) {
	cx, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	t.hostsLock.Lock()
	gcHost, _ := t.garbageCollectCxs(addr)
	t.hostsCxs[addr] = append(gcHost, cx)
	t.hostsLock.Unlock()

	t.logger.Debug("connection established", LabelPeerAddr.L(addr))
	return cx, nil
}

func (t *Transport) forget(addr string, dead quic.Connection) {
	t.hostsLock.Lock()
	defer t.hostsLock.Unlock()

	cxs := t.hostsCxs[addr]
	if idx := slices.Index(cxs, dead); idx >= 0 {
		t.hostsCxs[addr] = slices.Delete(cxs, idx, idx+1)
	}
	QErrInternal.Close(dead, "connection unusable")
	t.garbageCollectCxs(addr)
}

func (t *Transport) dialContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.DialTimeout)
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(addr string) ([]quic.Connection, bool) {
	cxs, hasCxs := t.hostsCxs[addr]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]quic.Connection, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, addr)
		return nil, false
	}

	t.hostsCxs[addr] = cleanedUpList
	return cleanedUpList, true
}

// not thread safe!
// must be called by an holder of Read lock
func (t *Transport) firstActiveCx(addr string) (quic.Connection, bool) {
	for _, cx := range t.hostsCxs[addr] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return nil, false
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	cloned := tlsConf.Clone()
	if !slices.Contains(cloned.NextProtos, ProtocolALPN) {
		cloned.NextProtos = append(cloned.NextProtos, ProtocolALPN)
	}
	return cloned
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
